package stages

import (
	"math"
	"testing"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

func TestNewFFTRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewFFT(FFTParams{FFTSize: 100}); err == nil {
		t.Fatal("expected an error for a non-power-of-two fft_size")
	}
}

func TestNewFFTRejectsHopLargerThanSize(t *testing.T) {
	if _, err := NewFFT(FFTParams{FFTSize: 64, Hop: 128}); err == nil {
		t.Fatal("expected an error when hop exceeds fft_size")
	}
}

func newFFTCtx(recv []*core.Packet, channels int) (*stage.Context, *captureSender) {
	send := &captureSender{}
	ctx := &stage.Context{
		StageID: "fft",
		Inputs:  map[string]stage.Receiver{"in": &queueReceiver{items: recv}},
		Outputs: map[string]stage.Sender{"out": send},
		Pools:   map[string]stage.Acquirer{"out": &unboundedPool{variant: core.VariantSpectrum, channels: channels}},
		Events:  &recordingEvents{},
	}
	return ctx, send
}

func TestFFTBuffersUntilFullThenEmitsOneSidedPSD(t *testing.T) {
	const fftSize = 64
	f, err := NewFFT(FFTParams{FFTSize: fftSize, Window: "hann"})
	if err != nil {
		t.Fatalf("NewFFT: %v", err)
	}
	meta := voltageMeta(1, 256)

	samples := make([]float32, fftSize)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 8 * float64(i) / 256))
	}

	// Feed in two half-size packets; no output until the second.
	ctx1, send1 := newFFTCtx([]*core.Packet{voltagePacket(meta, [][]float32{samples[:32]})}, 1)
	f.Process(ctx1)
	if len(send1.sent) != 0 {
		t.Fatal("expected no output before fft_size samples have accumulated")
	}

	ctx2, send2 := newFFTCtx([]*core.Packet{voltagePacket(meta, [][]float32{samples[32:]})}, 1)
	f.Process(ctx2)
	if len(send2.sent) != 1 {
		t.Fatalf("expected one spectrum packet once fft_size samples accumulated, got %d", len(send2.sent))
	}

	psd := send2.sent[0].Spectrum.Bands[0].PSD
	if len(psd) != fftSize/2+1 {
		t.Fatalf("psd length = %d, want %d", len(psd), fftSize/2+1)
	}
	for i, v := range psd {
		if v < 0 {
			t.Fatalf("psd[%d] = %v, must be non-negative", i, v)
		}
	}
}

func TestFFTSlidesBufferByHop(t *testing.T) {
	const fftSize = 32
	f, err := NewFFT(FFTParams{FFTSize: fftSize, Hop: 16})
	if err != nil {
		t.Fatalf("NewFFT: %v", err)
	}
	meta := voltageMeta(1, 256)
	samples := make([]float32, fftSize)
	for i := range samples {
		samples[i] = float32(i)
	}

	ctx1, send1 := newFFTCtx([]*core.Packet{voltagePacket(meta, [][]float32{samples})}, 1)
	f.Process(ctx1)
	if len(send1.sent) != 1 {
		t.Fatalf("expected output on first full buffer, got %d", len(send1.sent))
	}
	if got := len(f.acc[0].buf); got != fftSize-16 {
		t.Fatalf("expected %d samples retained after a hop of 16, got %d", fftSize-16, got)
	}
}
