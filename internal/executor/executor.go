// Package executor implements the thread-per-scheduling-group
// scheduler: each group is a pinned OS thread that round-robin polls
// its stages' Process method, parking briefly when every stage yields.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/log"
	"firestige.xyz/eegpipe/internal/stage"
)

// Member is one stage assigned to a scheduling group, along with its
// own context and error policy.
type Member struct {
	Stage stage.Stage
	Ctx   *stage.Context
}

// Group is one scheduling group: a set of stages polled round-robin on
// a single pinned OS thread.
type Group struct {
	Name        string
	Members     []Member
	CPU         int // -1 means "do not pin"
	IdlePark    time.Duration
}

// Config tunes the executor's lifecycle behavior.
type Config struct {
	PinAffinity    bool
	ShutdownBudget time.Duration
}

// Executor runs a fixed set of scheduling groups until Stop is called.
type Executor struct {
	groups []Group
	cfg    Config
	events interface {
		Publish(err *core.EngineError)
	}

	cancel    context.CancelFunc
	ctx       context.Context
	forceStop chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds an Executor over groups, not yet started.
func New(groups []Group, cfg Config, events interface {
	Publish(err *core.EngineError)
}) *Executor {
	return &Executor{groups: groups, cfg: cfg, events: events, forceStop: make(chan struct{})}
}

// Start initializes every stage in topological order (the caller is
// responsible for ordering Members within each group and across
// groups before calling Start) and spawns one worker goroutine, locked
// to its own OS thread, per group.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("executor: already running")
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	var initialized []Member
	for gi := range e.groups {
		for _, m := range e.groups[gi].Members {
			m.Ctx.Done = e.ctx
			if err := m.Stage.Initialize(m.Ctx); err != nil {
				e.cancel()
				// Tear down what already started, in reverse order.
				for i := len(initialized) - 1; i >= 0; i-- {
					initialized[i].Stage.Shutdown()
				}
				return fmt.Errorf("executor: stage %q failed to initialize: %w", m.Ctx.StageID, err)
			}
			initialized = append(initialized, m)
		}
	}

	for gi := range e.groups {
		g := e.groups[gi]
		e.wg.Add(1)
		go e.runGroup(g)
	}

	e.running = true
	return nil
}

func (e *Executor) runGroup(g Group) {
	defer e.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if e.cfg.PinAffinity && g.CPU >= 0 {
		var mask unix.CPUSet
		mask.Set(g.CPU)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			log.GetLogger().WithError(err).Warnf("executor: group %s failed to pin to CPU %d", g.Name, g.CPU)
		}
	}

	park := g.IdlePark
	if park <= 0 {
		park = time.Millisecond
	}

	// A stage that has reached DrainThenStop or a terminal FatalError is
	// done for the rest of this run; it is skipped on later rounds so a
	// finished sink doesn't get polled forever while siblings still
	// drain. On cancellation the loop keeps polling unfinished members
	// round after round (an acquire stage needs a further round to
	// observe cancellation and close its output; its downstream needs
	// further rounds still to observe that close and drain in turn) —
	// it only gives up early if Stop's shutdown budget expires first.
	finished := make([]bool, len(g.Members))
	remaining := len(g.Members)

	for remaining > 0 {
		select {
		case <-e.forceStop:
			return
		default:
		}

		anyProgress := false
		for i, m := range g.Members {
			if finished[i] {
				continue
			}

			select {
			case upd := <-m.Ctx.Params:
				e.applyParameter(m, upd)
			default:
			}

			result := e.guardedProcess(m)
			switch result.Outcome {
			case stage.MoreWork:
				anyProgress = true
			case stage.DrainThenStop:
				m.Stage.Flush()
				m.Stage.Shutdown()
				finished[i] = true
				remaining--
			case stage.FatalError:
				e.handleFatal(m, result.Err)
				if m.Stage.ErrorPolicy() != stage.PolicySkipPacket {
					finished[i] = true
					remaining--
				}
			}
		}

		if remaining == 0 {
			return
		}

		if !anyProgress {
			select {
			case <-e.forceStop:
				return
			case <-time.After(park):
			}
		}
	}
}

func (e *Executor) applyParameter(m Member, upd stage.ParamUpdate) {
	outcome, err := m.Stage.ApplyParameter(upd.Key, upd.Value)
	if upd.Result != nil {
		select {
		case upd.Result <- outcome:
		default:
		}
	}
	if err != nil {
		e.events.Publish(&core.EngineError{
			Kind: core.KindIoFailure, StageID: m.Ctx.StageID, Reason: err.Error(),
		})
	}
}

func (e *Executor) guardedProcess(m Member) (result stage.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = stage.Fatal(&core.EngineError{
				Kind: core.KindPanicked, StageID: m.Ctx.StageID, Reason: fmt.Sprint(r),
			})
		}
	}()
	return m.Stage.Process(m.Ctx)
}

func (e *Executor) handleFatal(m Member, err *core.EngineError) {
	e.events.Publish(err)
	switch m.Stage.ErrorPolicy() {
	case stage.PolicyFatal:
		go e.Stop()
	case stage.PolicyDrainThenStop:
		m.Stage.Flush()
		m.Stage.Shutdown()
		for _, out := range m.Ctx.Outputs {
			out.Close()
		}
	case stage.PolicySkipPacket:
		// The stage itself is responsible for dropping the offending
		// packet before returning FatalError under this policy; the
		// executor only needs to keep scheduling it.
	}
}

// Stop sets the quiesce signal, waits up to the shutdown budget for
// every group to finish its current round and drain, then returns.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	budget := e.cfg.ShutdownBudget
	if budget <= 0 {
		budget = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(budget):
		e.events.Publish(&core.EngineError{Kind: core.KindFlushTimeout, Reason: "executor shutdown budget exceeded"})
		close(e.forceStop)
		<-done
	}

	for gi := range e.groups {
		for _, m := range e.groups[gi].Members {
			m.Stage.Shutdown()
		}
	}
	return nil
}
