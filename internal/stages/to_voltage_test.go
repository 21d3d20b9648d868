package stages

import (
	"testing"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

func newVoltageCtx(meta *core.SensorMeta, in []*core.Packet) (*stage.Context, *queueReceiver, *captureSender) {
	recv := &queueReceiver{items: in}
	send := &captureSender{}
	ctx := &stage.Context{
		StageID: "tv",
		Inputs:  map[string]stage.Receiver{"in": recv},
		Outputs: map[string]stage.Sender{"out": send},
		Pools:   map[string]stage.Acquirer{"out": &unboundedPool{variant: core.VariantVoltage}},
		Events:  &recordingEvents{},
	}
	return ctx, recv, send
}

func rawPacket(meta *core.SensorMeta, raw []int32) *core.Packet {
	pkt := core.NewPacket(core.VariantRawI32, discardReleaser{})
	pkt.PrepareForAcquire()
	pkt.Header = core.PacketHeader{Meta: meta, BatchSize: uint32(len(raw) / meta.NumChannels()), SampleRateHz: meta.SampleRateHz}
	pkt.Raw = append(pkt.Raw, raw...)
	return pkt
}

func TestToVoltageConvertsUsingMetaCoefficient(t *testing.T) {
	meta := voltageMeta(1, 250)
	tv, err := NewToVoltage(ToVoltageParams{})
	if err != nil {
		t.Fatalf("NewToVoltage: %v", err)
	}
	in := rawPacket(meta, []int32{1000})
	ctx, _, send := newVoltageCtx(meta, []*core.Packet{in})

	res := tv.Process(ctx)
	if res.Outcome != stage.MoreWork {
		t.Fatalf("expected MoreWork, got %v", res.Outcome)
	}
	if len(send.sent) != 1 {
		t.Fatalf("expected one packet sent, got %d", len(send.sent))
	}
	want := float32(1000) * meta.VRefVolts / (meta.Gain * meta.FullScaleCode())
	if got := send.sent[0].Voltage[0]; got != want {
		t.Fatalf("voltage = %v, want %v", got, want)
	}
}

func TestToVoltageRecomputesCoefficientOnMetaChange(t *testing.T) {
	metaA := voltageMeta(1, 250)
	metaB := voltageMeta(1, 250)
	metaB.Gain = 12

	tv, _ := NewToVoltage(ToVoltageParams{})
	ctx1, _, send1 := newVoltageCtx(metaA, []*core.Packet{rawPacket(metaA, []int32{1000})})
	tv.Process(ctx1)
	coeffA := tv.coeff

	ctx2, _, send2 := newVoltageCtx(metaB, []*core.Packet{rawPacket(metaB, []int32{1000})})
	tv.Process(ctx2)
	coeffB := tv.coeff

	if coeffA == coeffB {
		t.Fatal("expected coefficient to change when SensorMeta pointer changes with a different gain")
	}
	_ = send1
	_ = send2
}

func TestToVoltageClosesOutputWhenInputDrained(t *testing.T) {
	tv, _ := NewToVoltage(ToVoltageParams{})
	recv := &queueReceiver{closed: true}
	send := &captureSender{}
	ctx := &stage.Context{
		StageID: "tv",
		Inputs:  map[string]stage.Receiver{"in": recv},
		Outputs: map[string]stage.Sender{"out": send},
		Pools:   map[string]stage.Acquirer{"out": &unboundedPool{variant: core.VariantVoltage}},
		Events:  &recordingEvents{},
	}

	res := tv.Process(ctx)
	if res.Outcome != stage.DrainThenStop {
		t.Fatalf("expected DrainThenStop, got %v", res.Outcome)
	}
	if !send.closed {
		t.Fatal("expected output to be closed")
	}
}
