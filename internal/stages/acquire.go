package stages

import (
	"fmt"
	"math/rand"
	"time"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// Frame is one batch read from a device driver, before it is wrapped
// into a pool-backed Packet.
type Frame struct {
	Samples     []int32 // row-major [channels x batch_size]
	FrameID     uint64
	TimestampNs uint64
}

// Driver is the seam between the acquire stage and a physical or
// simulated front-end. Run must honor done and must not block forever
// once it is closed.
type Driver interface {
	Run(done <-chan struct{}, out chan<- Frame)
}

// AcquireParams configures the acquire stage.
type AcquireParams struct {
	BoardDriver  string  `mapstructure:"board_driver"`
	SampleRateHz uint32  `mapstructure:"sample_rate_hz"`
	Channels     []int   `mapstructure:"channels"`
	Gain         float32 `mapstructure:"gain"`
	BatchSize    uint32  `mapstructure:"batch_size"`
	VRef         float32 `mapstructure:"v_ref"`
}

func (p *AcquireParams) applyDefaults() {
	if p.SampleRateHz == 0 {
		p.SampleRateHz = 250
	}
	if p.BatchSize == 0 {
		p.BatchSize = 25
	}
	if p.Gain == 0 {
		p.Gain = 24
	}
	if p.VRef == 0 {
		p.VRef = 4.5
	}
	if len(p.Channels) == 0 {
		p.Channels = []int{0, 1, 2, 3, 4, 5, 6, 7}
	}
}

// Acquire is the engine's source stage: it drives a Driver, DRDY-style,
// and publishes RawI32 packets.
type Acquire struct {
	stage.BaseStage

	params AcquireParams
	driver Driver
	meta   *core.SensorMeta

	frames  chan Frame
	pending *Frame

	lastFrameID uint64
	seen        bool
}

// NewAcquire constructs an Acquire stage from decoded params, with the
// driver selected by params.BoardDriver ("Mock" or "ADS1299").
func NewAcquire(params AcquireParams) (*Acquire, error) {
	params.applyDefaults()
	a := &Acquire{params: params, frames: make(chan Frame, 4)}
	switch params.BoardDriver {
	case "", "Mock":
		a.driver = &MockDriver{sampleRateHz: params.SampleRateHz, batchSize: params.BatchSize, channels: len(params.Channels)}
	case "ADS1299":
		return nil, fmt.Errorf("acquire: ADS1299 board driver requires the hardware SPI/GPIO layer, which this engine does not own")
	default:
		return nil, fmt.Errorf("acquire: unknown board_driver %q", params.BoardDriver)
	}
	return a, nil
}

func (a *Acquire) Initialize(ctx *stage.Context) error {
	names := make([]string, len(a.params.Channels))
	for i := range a.params.Channels {
		names[i] = fmt.Sprintf("ch%d", a.params.Channels[i])
	}
	a.meta = &core.SensorMeta{
		SchemaVersion: 1,
		SensorID:      ctx.StageID,
		MetaRevision:  1,
		SourceType:    core.SourceMock,
		SampleRateHz:  a.params.SampleRateHz,
		VRefVolts:     a.params.VRef,
		ADCBits:       24,
		Gain:          a.params.Gain,
		ChannelNames:  names,
	}
	if a.params.BoardDriver == "ADS1299" {
		a.meta.SourceType = core.SourceADS1299
	}
	go a.driver.Run(ctx.Done.Done(), a.frames)
	return nil
}

func (a *Acquire) Process(ctx *stage.Context) stage.Result {
	select {
	case <-ctx.Done.Done():
		ctx.Outputs["out"].Close()
		return stage.Drain()
	default:
	}

	if a.pending == nil {
		select {
		case f := <-a.frames:
			a.pending = &f
		default:
			return stage.Yield()
		}
	}

	if a.seen && a.pending.FrameID > a.lastFrameID+1 {
		ctx.Events.Publish(&core.EngineError{
			Kind: core.KindGapDetected, StageID: ctx.StageID,
			Reason: fmt.Sprintf("expected frame %d, got %d", a.lastFrameID+1, a.pending.FrameID),
		})
	}

	pool := ctx.Pools["out"]
	pkt, ok := pool.TryAcquire()
	if !ok {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindPoolExhausted, PoolID: ctx.StageID})
		return stage.Yield()
	}
	batchSize := int(a.params.BatchSize)
	pkt.Raw = append(pkt.Raw, a.pending.Samples...)
	pkt.Header = core.PacketHeader{
		TimestampNs:  a.pending.TimestampNs,
		FrameID:      a.pending.FrameID,
		BatchSize:    uint32(batchSize),
		SampleRateHz: a.params.SampleRateHz,
		Meta:         a.meta,
	}

	if !ctx.Outputs["out"].TrySend(pkt) {
		pkt.Release()
		return stage.Yield()
	}

	a.lastFrameID = a.pending.FrameID
	a.seen = true
	a.pending = nil
	return stage.Progress()
}

func (a *Acquire) ErrorPolicy() stage.Policy { return stage.PolicyFatal }

// MockDriver synthesizes frames on a fixed cadence without any real
// hardware, standing in for a DRDY-interrupt-driven ADS1299.
type MockDriver struct {
	sampleRateHz uint32
	batchSize    uint32
	channels     int
}

func (d *MockDriver) Run(done <-chan struct{}, out chan<- Frame) {
	period := time.Duration(float64(d.batchSize) / float64(d.sampleRateHz) * float64(time.Second))
	if period <= 0 {
		period = time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(1))
	var frameID uint64
	for {
		select {
		case <-done:
			return
		case t := <-ticker.C:
			frameID++
			samples := make([]int32, d.channels*int(d.batchSize))
			for i := range samples {
				samples[i] = int32(rng.Intn(2000) - 1000)
			}
			select {
			case out <- Frame{Samples: samples, FrameID: frameID, TimestampNs: uint64(t.UnixNano())}:
			case <-done:
				return
			}
		}
	}
}
