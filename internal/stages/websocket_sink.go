package stages

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// Publisher is the seam to the process-wide broker; websocket_sink
// never touches a network connection directly.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// WebsocketSinkParams configures which broker topic a sink forwards to.
type WebsocketSinkParams struct {
	Topic string `mapstructure:"topic"`
}

// WebsocketSink forwards every packet it receives to the broker under
// a fixed topic, encoding Voltage packets as a compact binary frame and
// Spectrum packets as JSON.
type WebsocketSink struct {
	stage.BaseStage

	params    WebsocketSinkParams
	publisher Publisher
}

// NewWebsocketSink constructs a sink bound to publisher, which the
// graph wiring supplies as the process-wide broker.
func NewWebsocketSink(params WebsocketSinkParams, publisher Publisher) (*WebsocketSink, error) {
	if params.Topic == "" {
		return nil, fmt.Errorf("websocket_sink: topic is required")
	}
	return &WebsocketSink{params: params, publisher: publisher}, nil
}

func (w *WebsocketSink) Initialize(ctx *stage.Context) error { return nil }

func (w *WebsocketSink) Process(ctx *stage.Context) stage.Result {
	in, ok := ctx.Inputs["in"].TryRecv()
	if !ok {
		if ctx.Inputs["in"].Closed() {
			return stage.Drain()
		}
		return stage.Yield()
	}
	defer in.Release()

	var payload []byte
	var err error
	switch in.Variant {
	case core.VariantSpectrum:
		payload, err = encodeSpectrumJSON(in)
	default:
		payload, err = encodeVoltageBinary(in)
	}
	if err != nil {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindIoFailure, StageID: ctx.StageID, Reason: err.Error()})
		return stage.Progress()
	}

	w.publisher.Publish(w.params.Topic, payload)
	return stage.Progress()
}

// encodeVoltageBinary lays out: u32 total_samples (channels*batch, LE),
// then total_samples x u64 timestamp_ns (LE), then total_samples x f32
// samples (LE), both arrays ordered s[t=0,c=0], s[t=0,c=1], …,
// s[t=0,c=N-1], s[t=1,c=0], … — interleaved per channel within a
// timestep, not the packet's own channel-major storage order.
func encodeVoltageBinary(pkt *core.Packet) ([]byte, error) {
	channels := pkt.Header.Meta.NumChannels()
	batch := int(pkt.Header.BatchSize)
	total := channels * batch

	var sampleNs uint64
	if pkt.Header.SampleRateHz > 0 {
		sampleNs = uint64(1e9) / uint64(pkt.Header.SampleRateHz)
	}

	buf := make([]byte, 4+8*total+4*total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))

	tsOff := 4
	sampleOff := 4 + 8*total
	for t := 0; t < batch; t++ {
		ts := pkt.Header.TimestampNs + uint64(t)*sampleNs
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint64(buf[tsOff:tsOff+8], ts)
			tsOff += 8
			binary.LittleEndian.PutUint32(buf[sampleOff:sampleOff+4], math.Float32bits(pkt.Voltage[c*batch+t]))
			sampleOff += 4
		}
	}
	return buf, nil
}

type spectrumWireBand struct {
	PSD []float32 `json:"psd"`
}

type spectrumWireFrame struct {
	TimestampNs uint64             `json:"timestamp_ns"`
	FFTSize     int                `json:"fft_size"`
	Window      string             `json:"window"`
	Bands       []spectrumWireBand `json:"bands"`
}

func encodeSpectrumJSON(pkt *core.Packet) ([]byte, error) {
	frame := spectrumWireFrame{
		TimestampNs: pkt.Header.TimestampNs,
		FFTSize:     pkt.Spectrum.FFTSize,
		Window:      pkt.Spectrum.Window,
		Bands:       make([]spectrumWireBand, len(pkt.Spectrum.Bands)),
	}
	for i, b := range pkt.Spectrum.Bands {
		frame.Bands[i] = spectrumWireBand{PSD: b.PSD}
	}
	return json.Marshal(frame)
}
