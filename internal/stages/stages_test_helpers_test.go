package stages

import (
	"context"

	"firestige.xyz/eegpipe/internal/core"
)

type queueReceiver struct {
	items  []*core.Packet
	closed bool
}

func (q *queueReceiver) TryRecv() (*core.Packet, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, true
}

func (q *queueReceiver) Closed() bool { return q.closed && len(q.items) == 0 }

type captureSender struct {
	sent   []*core.Packet
	closed bool
	full   bool
}

func (c *captureSender) TrySend(p *core.Packet) bool {
	if c.full {
		return false
	}
	c.sent = append(c.sent, p)
	return true
}

func (c *captureSender) Close() { c.closed = true }

type recordingEvents struct{ events []*core.EngineError }

func (r *recordingEvents) Publish(err *core.EngineError) { r.events = append(r.events, err) }

type unboundedPool struct {
	variant  core.Variant
	channels int // only used for VariantSpectrum, to pre-size Bands
}

func (p *unboundedPool) TryAcquire() (*core.Packet, bool) {
	pkt := core.NewPacket(p.variant, discardReleaser{})
	if p.variant == core.VariantSpectrum && p.channels > 0 {
		pkt.Spectrum.Bands = make([]core.SpectrumBand, p.channels)
	}
	return pkt, true
}

func (p *unboundedPool) Acquire(ctx context.Context) (*core.Packet, error) {
	pkt, _ := p.TryAcquire()
	return pkt, nil
}

type discardReleaser struct{}

func (discardReleaser) ReleasePacket(p *core.Packet) {}

func voltageMeta(channels int, rateHz uint32) *core.SensorMeta {
	names := make([]string, channels)
	for i := range names {
		names[i] = "ch"
	}
	return &core.SensorMeta{
		SchemaVersion: 1,
		SensorID:      "test",
		SampleRateHz:  rateHz,
		VRefVolts:     4.5,
		ADCBits:       24,
		Gain:          24,
		ChannelNames:  names,
	}
}
