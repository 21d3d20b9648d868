package stages

import (
	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// AlignAndZipParams configures how close two input headers' timestamps
// must be, in samples at the slower of the two rates, to be considered
// the same instant.
type AlignAndZipParams struct {
	ToleranceSamples int `mapstructure:"tolerance_samples"`
}

// AlignAndZip fans two upstream edges ("a" and "b") into one combined
// output packet, pairing frames whose timestamps fall within tolerance
// of each other and silently dropping the older of a pair that does
// not pair up (e.g. one source briefly stalled or restarted).
type AlignAndZip struct {
	stage.BaseStage

	params AlignAndZipParams

	pendingA *core.Packet
	pendingB *core.Packet
}

func NewAlignAndZip(params AlignAndZipParams) (*AlignAndZip, error) {
	return &AlignAndZip{params: params}, nil
}

func (a *AlignAndZip) Initialize(ctx *stage.Context) error { return nil }

func (a *AlignAndZip) toleranceNs(meta *core.SensorMeta) int64 {
	if meta == nil || meta.SampleRateHz == 0 {
		return 0
	}
	return int64(a.params.ToleranceSamples) * int64(1e9) / int64(meta.SampleRateHz)
}

func (a *AlignAndZip) Process(ctx *stage.Context) stage.Result {
	if a.pendingA == nil {
		if pkt, ok := ctx.Inputs["a"].TryRecv(); ok {
			a.pendingA = pkt
		}
	}
	if a.pendingB == nil {
		if pkt, ok := ctx.Inputs["b"].TryRecv(); ok {
			a.pendingB = pkt
		}
	}

	if a.pendingA == nil || a.pendingB == nil {
		if ctx.Inputs["a"].Closed() && ctx.Inputs["b"].Closed() {
			if a.pendingA != nil {
				a.pendingA.Release()
				a.pendingA = nil
			}
			if a.pendingB != nil {
				a.pendingB.Release()
				a.pendingB = nil
			}
			ctx.Outputs["out"].Close()
			return stage.Drain()
		}
		return stage.Yield()
	}

	// The slower rate gives the wider window in nanoseconds.
	tolNs := a.toleranceNs(a.pendingA.Header.Meta)
	if tolB := a.toleranceNs(a.pendingB.Header.Meta); tolB > tolNs {
		tolNs = tolB
	}

	tA := int64(a.pendingA.Header.TimestampNs)
	tB := int64(a.pendingB.Header.TimestampNs)
	delta := tA - tB
	if delta < 0 {
		delta = -delta
	}

	if delta > tolNs {
		// Drop the older one and retry against the next arrival on
		// that side.
		if tA < tB {
			a.pendingA.Release()
			a.pendingA = nil
		} else {
			a.pendingB.Release()
			a.pendingB = nil
		}
		return stage.Progress()
	}

	pool := ctx.Pools["out"]
	out, ok := pool.TryAcquire()
	if !ok {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindPoolExhausted, PoolID: ctx.StageID})
		return stage.Yield()
	}
	out.Header = a.pendingA.Header
	out.Raw = append(out.Raw, a.pendingA.Raw...)
	out.Raw = append(out.Raw, a.pendingB.Raw...)
	out.Voltage = append(out.Voltage, a.pendingA.Voltage...)
	out.Voltage = append(out.Voltage, a.pendingB.Voltage...)

	a.pendingA.Release()
	a.pendingB.Release()
	a.pendingA = nil
	a.pendingB = nil

	if !ctx.Outputs["out"].TrySend(out) {
		out.Release()
		return stage.Yield()
	}
	return stage.Progress()
}
