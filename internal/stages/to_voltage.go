package stages

import (
	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// ToVoltageParams is empty: every coefficient comes from the packet's
// own SensorMeta, never from stage configuration.
type ToVoltageParams struct{}

// ToVoltage transforms RawI32 packets into Voltage packets using
// voltage = raw * v_ref / (gain * (2^(adc_bits-1) - 1)), caching the
// derived coefficient by SensorMeta pointer identity so a steady
// stream of packets under one configuration costs one divide total.
type ToVoltage struct {
	stage.BaseStage

	cachedMeta *core.SensorMeta
	coeff      float32
	pending    *core.Packet
}

func NewToVoltage(ToVoltageParams) (*ToVoltage, error) {
	return &ToVoltage{}, nil
}

func (t *ToVoltage) Initialize(ctx *stage.Context) error { return nil }

func (t *ToVoltage) Process(ctx *stage.Context) stage.Result {
	if t.pending == nil {
		in, ok := ctx.Inputs["in"].TryRecv()
		if !ok {
			if ctx.Inputs["in"].Closed() {
				ctx.Outputs["out"].Close()
				return stage.Drain()
			}
			return stage.Yield()
		}
		t.pending = in
	}

	meta := t.pending.Header.Meta
	if meta != t.cachedMeta {
		t.cachedMeta = meta
		t.coeff = meta.VRefVolts / (meta.Gain * meta.FullScaleCode())
	}

	pool := ctx.Pools["out"]
	out, ok := pool.TryAcquire()
	if !ok {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindPoolExhausted, PoolID: ctx.StageID})
		return stage.Yield()
	}
	out.Header = t.pending.Header
	for _, raw := range t.pending.Raw {
		out.Voltage = append(out.Voltage, float32(raw)*t.coeff)
	}

	if !ctx.Outputs["out"].TrySend(out) {
		out.Release()
		return stage.Yield()
	}
	t.pending.Release()
	t.pending = nil
	return stage.Progress()
}
