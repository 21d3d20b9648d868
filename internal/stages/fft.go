package stages

import (
	"fmt"
	"math"
	"math/cmplx"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

// FFTParams configures the windowed power-spectral-density transform.
// FFTSize is required and must be a power of two; Hop defaults to
// FFTSize (no overlap) when zero.
type FFTParams struct {
	FFTSize int    `mapstructure:"fft_size"`
	Window  string `mapstructure:"window"`
	Hop     int    `mapstructure:"hop"`
}

func (p *FFTParams) applyDefaults() error {
	if p.FFTSize <= 0 || p.FFTSize&(p.FFTSize-1) != 0 {
		return fmt.Errorf("fft: fft_size must be a power of two, got %d", p.FFTSize)
	}
	if p.Window == "" {
		p.Window = "hann"
	}
	if p.Hop == 0 {
		p.Hop = p.FFTSize
	}
	if p.Hop > p.FFTSize {
		return fmt.Errorf("fft: hop %d cannot exceed fft_size %d", p.Hop, p.FFTSize)
	}
	return nil
}

func buildWindow(name string, n int) ([]float64, error) {
	w := make([]float64, n)
	switch name {
	case "hann":
		for i := range w {
			w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
	case "hamming":
		for i := range w {
			w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
	case "blackman":
		for i := range w {
			x := 2 * math.Pi * float64(i) / float64(n-1)
			w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
		}
	default:
		return nil, fmt.Errorf("fft: unknown window %q", name)
	}
	return w, nil
}

// fftRadix2 computes the in-place forward DFT of buf, whose length must
// be a power of two, using the classic Cooley-Tukey decimation-in-time
// recursion applied iteratively via bit-reversal.
func fftRadix2(buf []complex128) {
	n := len(buf)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j &^= bit
		}
		j |= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		angle := -2 * math.Pi / float64(size)
		wStep := cmplx.Exp(complex(0, angle))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < half; k++ {
				u := buf[start+k]
				v := buf[start+k+half] * w
				buf[start+k] = u + v
				buf[start+k+half] = u - v
				w *= wStep
			}
		}
	}
}

type channelAccumulator struct {
	buf []float64 // ring-like accumulation, length grows to FFTSize then slides by Hop
}

// FFT transforms Voltage packets into Spectrum packets. Samples are
// buffered per channel until FFTSize have accumulated; the window is
// applied, a radix-2 FFT computed, and the one-sided PSD emitted. The
// buffer then slides forward by Hop samples, so Hop < FFTSize overlaps
// windows and Hop == FFTSize (the default) does not.
type FFT struct {
	stage.BaseStage

	params FFTParams
	window []float64

	cachedMeta *core.SensorMeta
	acc        []channelAccumulator
	frameID    uint64
}

func NewFFT(params FFTParams) (*FFT, error) {
	if err := params.applyDefaults(); err != nil {
		return nil, err
	}
	window, err := buildWindow(params.Window, params.FFTSize)
	if err != nil {
		return nil, err
	}
	return &FFT{params: params, window: window}, nil
}

func (f *FFT) Initialize(ctx *stage.Context) error { return nil }

func (f *FFT) resize(meta *core.SensorMeta) {
	f.cachedMeta = meta
	channels := meta.NumChannels()
	f.acc = make([]channelAccumulator, channels)
	for i := range f.acc {
		f.acc[i].buf = make([]float64, 0, f.params.FFTSize)
	}
}

func (f *FFT) Process(ctx *stage.Context) stage.Result {
	in, ok := ctx.Inputs["in"].TryRecv()
	if !ok {
		if ctx.Inputs["in"].Closed() {
			ctx.Outputs["out"].Close()
			return stage.Drain()
		}
		return stage.Yield()
	}
	defer in.Release()

	meta := in.Header.Meta
	if meta != f.cachedMeta {
		f.resize(meta)
	}

	channels := meta.NumChannels()
	batch := int(in.Header.BatchSize)
	for ch := 0; ch < channels; ch++ {
		for t := 0; t < batch; t++ {
			f.acc[ch].buf = append(f.acc[ch].buf, float64(in.Voltage[ch*batch+t]))
		}
	}

	if len(f.acc[0].buf) < f.params.FFTSize {
		return stage.Progress()
	}

	pool := ctx.Pools["out"]
	out, ok := pool.TryAcquire()
	if !ok {
		ctx.Events.Publish(&core.EngineError{Kind: core.KindPoolExhausted, PoolID: ctx.StageID})
		return stage.Yield()
	}
	out.Header = in.Header
	out.Spectrum.FFTSize = f.params.FFTSize
	out.Spectrum.Window = f.params.Window
	out.Spectrum.HopSamples = f.params.Hop

	// Scale to uV^2/Hz: volts to microvolts, then divide by the sample
	// rate and the window's power.
	var windowPower float64
	for _, w := range f.window[:f.params.FFTSize] {
		windowPower += w * w
	}
	scale := 1e12 / (float64(meta.SampleRateHz) * windowPower)

	work := make([]complex128, f.params.FFTSize)
	bins := f.params.FFTSize/2 + 1
	for ch := 0; ch < channels; ch++ {
		windowed := f.acc[ch].buf[:f.params.FFTSize]
		for i, v := range windowed {
			work[i] = complex(v*f.window[i], 0)
		}
		fftRadix2(work)

		band := out.Spectrum.Bands[ch]
		band.PSD = band.PSD[:0]
		for k := 0; k < bins; k++ {
			mag := cmplx.Abs(work[k])
			p := mag * mag * scale
			if k > 0 && k < bins-1 {
				p *= 2 // fold in the negative frequencies
			}
			band.PSD = append(band.PSD, float32(p))
		}
		out.Spectrum.Bands[ch] = band

		remaining := copy(f.acc[ch].buf, f.acc[ch].buf[f.params.Hop:])
		f.acc[ch].buf = f.acc[ch].buf[:remaining]
	}

	f.frameID++
	out.Header.FrameID = f.frameID

	if !ctx.Outputs["out"].TrySend(out) {
		out.Release()
		return stage.Yield()
	}
	return stage.Progress()
}
