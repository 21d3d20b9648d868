package core

import (
	"errors"
	"testing"
)

func sampleMeta() *SensorMeta {
	return &SensorMeta{
		SchemaVersion: 1,
		SensorID:      "board-0",
		MetaRevision:  1,
		SourceType:    SourceADS1299,
		SampleRateHz:  250,
		VRefVolts:     4.5,
		ADCBits:       24,
		Gain:          24,
		ChannelNames:  []string{"Fp1", "Fp2", "C3", "C4"},
	}
}

func TestSensorMetaNumChannels(t *testing.T) {
	m := sampleMeta()
	if got := m.NumChannels(); got != 4 {
		t.Errorf("expected 4 channels, got %d", got)
	}
	var nilMeta *SensorMeta
	if got := nilMeta.NumChannels(); got != 0 {
		t.Errorf("nil meta should report 0 channels, got %d", got)
	}
}

func TestSensorMetaFullScaleCode(t *testing.T) {
	m := sampleMeta()
	want := float32((int64(1) << 23) - 1)
	if got := m.FullScaleCode(); got != want {
		t.Errorf("expected full scale code %v, got %v", want, got)
	}
}

// TestPacketChannelsMatchesMeta verifies invariant 1: payload.channels
// equals meta.channel_names.len() when meta is present.
func TestPacketChannelsMatchesMeta(t *testing.T) {
	m := sampleMeta()
	p := &Packet{
		Header:  PacketHeader{Meta: m, BatchSize: 8},
		Variant: VariantRawI32,
		Raw:     make([]int32, m.NumChannels()*8),
	}
	if p.Channels() != len(m.ChannelNames) {
		t.Errorf("channels mismatch: packet=%d meta=%d", p.Channels(), len(m.ChannelNames))
	}
	if p.SamplesPerChannel() != 8 {
		t.Errorf("expected batch size 8, got %d", p.SamplesPerChannel())
	}
}

type spyReleaser struct{ released int }

func (s *spyReleaser) ReleasePacket(p *Packet) { s.released++ }

func TestPacketRetainReleaseReturnsToPool(t *testing.T) {
	spy := &spyReleaser{}
	p := &Packet{pool: spy}
	p.refcount.Store(1)

	second := p.Retain()
	if second != p {
		t.Fatal("Retain should return the same packet")
	}
	p.Release()
	if spy.released != 0 {
		t.Fatalf("packet should not be released while refs remain, got %d releases", spy.released)
	}
	p.Release()
	if spy.released != 1 {
		t.Fatalf("expected exactly one release once refcount hits zero, got %d", spy.released)
	}
}

func TestResetForReusePreservesCapacity(t *testing.T) {
	p := &Packet{Raw: make([]int32, 0, 64), Voltage: make([]float32, 0, 64)}
	p.Raw = p.Raw[:32]
	p.Voltage = p.Voltage[:32]
	p.refcount.Store(3)

	p.ResetForReuse()

	if len(p.Raw) != 0 || cap(p.Raw) != 64 {
		t.Errorf("expected Raw len=0 cap=64, got len=%d cap=%d", len(p.Raw), cap(p.Raw))
	}
	if len(p.Voltage) != 0 || cap(p.Voltage) != 64 {
		t.Errorf("expected Voltage len=0 cap=64, got len=%d cap=%d", len(p.Voltage), cap(p.Voltage))
	}
	if p.refcount.Load() != 0 {
		t.Errorf("expected refcount reset to 0, got %d", p.refcount.Load())
	}
}

func TestEngineErrorIsMatchesKindSentinel(t *testing.T) {
	err := NewError(KindPoolExhausted, "acquire pool depleted")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Error("expected errors.Is to match the pool-exhausted sentinel")
	}
	if errors.Is(err, ErrGapDetected) {
		t.Error("expected errors.Is to not match an unrelated sentinel")
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	wrapped := errors.New("disk full")
	err := &EngineError{Kind: KindIoFailure, StageID: "csv_sink", Err: wrapped}
	if !errors.Is(err, wrapped) {
		t.Error("expected Unwrap to expose the underlying error")
	}
}

func TestVariantString(t *testing.T) {
	cases := map[Variant]string{
		VariantRawI32:        "raw_i32",
		VariantVoltage:       "voltage",
		VariantRawAndVoltage: "raw_and_voltage",
		VariantSpectrum:      "spectrum",
	}
	for v, want := range cases {
		if got := v.String(); got != want {
			t.Errorf("Variant(%d).String() = %q, want %q", v, got, want)
		}
	}
}

func TestSourceTypeString(t *testing.T) {
	if SourceADS1299.String() != "ADS1299" {
		t.Errorf("unexpected SourceType string: %s", SourceADS1299.String())
	}
	if SourceMock.String() != "Mock" {
		t.Errorf("unexpected SourceType string: %s", SourceMock.String())
	}
}
