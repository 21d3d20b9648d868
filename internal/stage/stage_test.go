package stage

import (
	"testing"

	"firestige.xyz/eegpipe/internal/core"
)

func TestBaseStageDefaults(t *testing.T) {
	var b BaseStage
	if b.IsLocked() {
		t.Error("expected default IsLocked to be false")
	}
	if b.ErrorPolicy() != PolicyFatal {
		t.Error("expected default error policy to be Fatal")
	}
	outcome, err := b.ApplyParameter("gain", 24)
	if outcome != Rejected || err != nil {
		t.Errorf("expected default ApplyParameter to reject, got %v %v", outcome, err)
	}
	if err := b.Flush(); err != nil {
		t.Errorf("expected default Flush to be a no-op, got %v", err)
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Yield(); r.Outcome != Yielded {
		t.Errorf("expected Yielded, got %v", r.Outcome)
	}
	if r := Progress(); r.Outcome != MoreWork {
		t.Errorf("expected MoreWork, got %v", r.Outcome)
	}
	if r := Drain(); r.Outcome != DrainThenStop {
		t.Errorf("expected DrainThenStop, got %v", r.Outcome)
	}
	engErr := core.NewError(core.KindGapDetected, "frame skipped")
	r := Fatal(engErr)
	if r.Outcome != FatalError || r.Err != engErr {
		t.Errorf("expected FatalError carrying the engine error, got %v %v", r.Outcome, r.Err)
	}
}
