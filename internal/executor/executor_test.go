package executor

import (
	"sync/atomic"
	"testing"
	"time"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/stage"
)

type countingStage struct {
	stage.BaseStage
	calls      atomic.Int32
	initErr    error
	result     stage.Result
	panicOnce  atomic.Bool
	shutdowns  atomic.Int32
}

func (s *countingStage) Initialize(ctx *stage.Context) error {
	if s.initErr == nil {
		return nil
	}
	return s.initErr
}
func (s *countingStage) Process(ctx *stage.Context) stage.Result {
	s.calls.Add(1)
	if s.panicOnce.CompareAndSwap(true, false) {
		panic("boom")
	}
	return s.result
}
func (s *countingStage) Shutdown() { s.shutdowns.Add(1) }

// drainingStage yields until its context is canceled, then reports
// DrainThenStop exactly like a real stage observing cancellation.
type drainingStage struct {
	stage.BaseStage
	shutdowns atomic.Int32
}

func (s *drainingStage) Initialize(ctx *stage.Context) error { return nil }
func (s *drainingStage) Process(ctx *stage.Context) stage.Result {
	select {
	case <-ctx.Done.Done():
		return stage.Drain()
	default:
		return stage.Yield()
	}
}
func (s *drainingStage) Shutdown() { s.shutdowns.Add(1) }

type recordingEvents struct{ events []*core.EngineError }

func (r *recordingEvents) Publish(err *core.EngineError) { r.events = append(r.events, err) }

func newCtx(id string) *stage.Context {
	return &stage.Context{StageID: id, Params: make(chan stage.ParamUpdate, 1)}
}

func TestStartInitializesAndRuns(t *testing.T) {
	s := &countingStage{result: stage.Yield()}
	events := &recordingEvents{}
	exec := New([]Group{{Name: "g0", Members: []Member{{Stage: s, Ctx: newCtx("s0")}}, CPU: -1}}, Config{ShutdownBudget: time.Second}, events)

	if err := exec.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	exec.Stop()

	if s.calls.Load() == 0 {
		t.Fatal("expected Process to have been called at least once")
	}
}

func TestStartPropagatesInitializeError(t *testing.T) {
	s := &countingStage{initErr: fatalInit}
	events := &recordingEvents{}
	exec := New([]Group{{Name: "g0", Members: []Member{{Stage: s, Ctx: newCtx("s0")}}, CPU: -1}}, Config{}, events)

	if err := exec.Start(); err == nil {
		t.Fatal("expected Start to fail when a stage's Initialize errors")
	}
}

var fatalInit = &core.EngineError{Kind: core.KindConfigInvalid, Reason: "bad config"}

func TestStopDrainsCooperatingStageWithoutWaitingOutTheBudget(t *testing.T) {
	s := &drainingStage{}
	events := &recordingEvents{}
	exec := New([]Group{{Name: "g0", Members: []Member{{Stage: s, Ctx: newCtx("s0")}}, CPU: -1}}, Config{ShutdownBudget: time.Second}, events)

	if err := exec.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	if err := exec.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected Stop to return once the stage observed cancellation and drained, took %v", elapsed)
	}
	if s.shutdowns.Load() == 0 {
		t.Fatal("expected Shutdown to have been called")
	}
	for _, e := range events.events {
		if e.Kind == core.KindFlushTimeout {
			t.Fatal("did not expect a FlushTimeout event when the stage drains cooperatively")
		}
	}
}

func TestPanicGuardConvertsToFatalEvent(t *testing.T) {
	s := &countingStage{result: stage.Yield()}
	s.panicOnce.Store(true)
	events := &recordingEvents{}
	exec := New([]Group{{Name: "g0", Members: []Member{{Stage: s, Ctx: newCtx("s0")}}, CPU: -1}}, Config{ShutdownBudget: time.Second}, events)

	if err := exec.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	exec.Stop()

	found := false
	for _, e := range events.events {
		if e.Kind == core.KindPanicked {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a Panicked event to have been published")
	}
}

