package stages

import (
	"math"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// FilterParams configures the biquad chain. An empty
// PowerlineNotchHz (or "none") disables the notch stage.
type FilterParams struct {
	HighpassHz       float64 `mapstructure:"highpass_hz"`
	LowpassHz        float64 `mapstructure:"lowpass_hz"`
	PowerlineNotchHz string  `mapstructure:"powerline_notch_hz"`
}

type biquadCoeffs struct{ b0, b1, b2, a1, a2 float64 }

type biquadState struct{ x1, x2, y1, y2 float64 }

func (c biquadCoeffs) apply(s *biquadState, x float64) float64 {
	y := c.b0*x + c.b1*s.x1 + c.b2*s.x2 - c.a1*s.y1 - c.a2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

func highpassCoeffs(cutoffHz, sampleRateHz float64) biquadCoeffs {
	return shelfCoeffs(cutoffHz, sampleRateHz, true)
}

func lowpassCoeffs(cutoffHz, sampleRateHz float64) biquadCoeffs {
	return shelfCoeffs(cutoffHz, sampleRateHz, false)
}

func shelfCoeffs(cutoffHz, sampleRateHz float64, highpass bool) biquadCoeffs {
	w0 := 2 * math.Pi * cutoffHz / sampleRateHz
	alpha := math.Sin(w0) / (2 * 0.707)
	cosw0 := math.Cos(w0)

	var b0, b1, b2 float64
	if highpass {
		b0 = (1 + cosw0) / 2
		b1 = -(1 + cosw0)
		b2 = (1 + cosw0) / 2
	} else {
		b0 = (1 - cosw0) / 2
		b1 = 1 - cosw0
		b2 = (1 - cosw0) / 2
	}
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha
	return biquadCoeffs{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

func notchCoeffs(centerHz, sampleRateHz float64) biquadCoeffs {
	const q = 30.0
	w0 := 2 * math.Pi * centerHz / sampleRateHz
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	a0 := 1 + alpha
	return biquadCoeffs{
		b0: 1 / a0,
		b1: -2 * cosw0 / a0,
		b2: 1 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
	}
}

// Filter is a per-channel cascade of highpass/lowpass/notch biquads.
// Coefficients are recomputed whenever the packet's SensorMeta pointer
// changes (a new sample rate in particular changes every coefficient).
type Filter struct {
	stage.BaseStage

	params FilterParams

	cachedMeta *core.SensorMeta
	stages     []biquadCoeffs
	state      [][]biquadState // [channel][stage]

	pending    *core.Packet // input awaiting a filtered output
	pendingOut *core.Packet // already-filtered output awaiting send
}

func NewFilter(params FilterParams) (*Filter, error) {
	if params.PowerlineNotchHz == "" {
		params.PowerlineNotchHz = "none"
	}
	return &Filter{params: params}, nil
}

func (f *Filter) Initialize(ctx *stage.Context) error { return nil }

func (f *Filter) recompute(meta *core.SensorMeta) {
	f.cachedMeta = meta
	fs := float64(meta.SampleRateHz)
	f.stages = f.stages[:0]
	if f.params.HighpassHz > 0 {
		f.stages = append(f.stages, highpassCoeffs(f.params.HighpassHz, fs))
	}
	if f.params.LowpassHz > 0 {
		f.stages = append(f.stages, lowpassCoeffs(f.params.LowpassHz, fs))
	}
	switch f.params.PowerlineNotchHz {
	case "50":
		f.stages = append(f.stages, notchCoeffs(50, fs))
	case "60":
		f.stages = append(f.stages, notchCoeffs(60, fs))
	}

	channels := meta.NumChannels()
	f.state = make([][]biquadState, channels)
	for c := range f.state {
		f.state[c] = make([]biquadState, len(f.stages))
	}
}

func (f *Filter) Process(ctx *stage.Context) stage.Result {
	if f.pendingOut != nil {
		if !ctx.Outputs["out"].TrySend(f.pendingOut) {
			return stage.Yield()
		}
		f.pendingOut = nil
		f.pending.Release()
		f.pending = nil
		return stage.Progress()
	}

	if f.pending == nil {
		in, ok := ctx.Inputs["in"].TryRecv()
		if !ok {
			if ctx.Inputs["in"].Closed() {
				ctx.Outputs["out"].Close()
				return stage.Drain()
			}
			return stage.Yield()
		}
		f.pending = in
	}

	meta := f.pending.Header.Meta
	if meta != f.cachedMeta {
		f.recompute(meta)
	}

	pool := ctx.Pools["out"]
	out, ok := pool.TryAcquire()
	if !ok {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindPoolExhausted, PoolID: ctx.StageID})
		return stage.Yield()
	}
	out.Header = f.pending.Header

	channels := meta.NumChannels()
	batch := int(f.pending.Header.BatchSize)
	for ch := 0; ch < channels; ch++ {
		for t := 0; t < batch; t++ {
			x := float64(f.pending.Voltage[ch*batch+t])
			for s, coeffs := range f.stages {
				x = coeffs.apply(&f.state[ch][s], x)
			}
			out.Voltage = append(out.Voltage, float32(x))
		}
	}

	if !ctx.Outputs["out"].TrySend(out) {
		f.pendingOut = out
		return stage.Yield()
	}
	f.pending.Release()
	f.pending = nil
	return stage.Progress()
}
