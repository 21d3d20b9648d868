package stages

import (
	"context"
	"testing"
	"time"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

func TestNewAcquireRejectsADS1299(t *testing.T) {
	if _, err := NewAcquire(AcquireParams{BoardDriver: "ADS1299"}); err == nil {
		t.Fatal("expected ADS1299 board_driver to be rejected as out of scope")
	}
}

func TestNewAcquireRejectsUnknownDriver(t *testing.T) {
	if _, err := NewAcquire(AcquireParams{BoardDriver: "Bluetooth"}); err == nil {
		t.Fatal("expected an unknown board_driver to error")
	}
}

func TestAcquireAppliesDefaults(t *testing.T) {
	a, err := NewAcquire(AcquireParams{})
	if err != nil {
		t.Fatalf("NewAcquire: %v", err)
	}
	if a.params.SampleRateHz != 250 || a.params.BatchSize != 25 || len(a.params.Channels) != 8 {
		t.Fatalf("unexpected defaulted params: %+v", a.params)
	}
}

func TestAcquireProducesPacketsFromMockDriver(t *testing.T) {
	a, err := NewAcquire(AcquireParams{SampleRateHz: 1000, BatchSize: 4, Channels: []int{0, 1}})
	if err != nil {
		t.Fatalf("NewAcquire: %v", err)
	}
	send := &captureSender{}
	done, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx := &stage.Context{
		StageID: "acq",
		Outputs: map[string]stage.Sender{"out": send},
		Pools:   map[string]stage.Acquirer{"out": &unboundedPool{variant: core.VariantRawI32}},
		Events:  &recordingEvents{},
		Done:    done,
	}
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(send.sent) == 0 && time.Now().Before(deadline) {
		a.Process(ctx)
		time.Sleep(time.Millisecond)
	}
	if len(send.sent) == 0 {
		t.Fatal("expected at least one packet from the mock driver within the deadline")
	}
	pkt := send.sent[0]
	if pkt.Header.Meta.NumChannels() != 2 {
		t.Fatalf("expected 2 channels, got %d", pkt.Header.Meta.NumChannels())
	}
	if len(pkt.Raw) != 2*4 {
		t.Fatalf("expected channels*batch_size samples, got %d", len(pkt.Raw))
	}
}

func TestAcquireErrorPolicyIsFatal(t *testing.T) {
	a, _ := NewAcquire(AcquireParams{})
	if a.ErrorPolicy() != stage.PolicyFatal {
		t.Fatal("expected acquire's error policy to be fatal")
	}
}

func TestAcquireClosesOutputAndDrainsOnCancellation(t *testing.T) {
	a, err := NewAcquire(AcquireParams{SampleRateHz: 1000, BatchSize: 4, Channels: []int{0, 1}})
	if err != nil {
		t.Fatalf("NewAcquire: %v", err)
	}
	send := &captureSender{}
	done, cancel := context.WithCancel(context.Background())
	ctx := &stage.Context{
		StageID: "acq",
		Outputs: map[string]stage.Sender{"out": send},
		Pools:   map[string]stage.Acquirer{"out": &unboundedPool{variant: core.VariantRawI32}},
		Events:  &recordingEvents{},
		Done:    done,
	}
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cancel()
	res := a.Process(ctx)
	if res.Outcome != stage.DrainThenStop {
		t.Fatalf("expected DrainThenStop once the context is canceled, got %v", res.Outcome)
	}
	if !send.closed {
		t.Fatal("expected acquire to close its output edge on cancellation")
	}
}
