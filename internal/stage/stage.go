// Package stage defines the contract every pipeline stage implements:
// sources (no inputs), transforms (N inputs, M outputs), and sinks (no
// outputs), all polymorphic over the same initialize/process/flush/
// shutdown/locked-query/parameter-update capability set.
package stage

import (
	"context"

	"firestige.xyz/eegpipe/internal/core"
)

// Outcome is the result of one process() call.
type Outcome uint8

const (
	// Yielded means no input was currently available; the scheduler
	// will reschedule this stage after a brief wait or on signal.
	Yielded Outcome = iota
	// MoreWork means the stage made progress and wants another turn
	// before the scheduler moves on to the next stage in its group.
	MoreWork
	// DrainThenStop means every input endpoint observed "closed and
	// drained"; the stage has flushed and is ready to shut down.
	DrainThenStop
	// FatalError means the stage hit an unrecoverable condition this
	// round; see Result.Err for the kind and detail.
	FatalError
)

// Result is returned by Process on every call.
type Result struct {
	Outcome Outcome
	Err     *core.EngineError // set only when Outcome == FatalError
}

func Yield() Result       { return Result{Outcome: Yielded} }
func Progress() Result    { return Result{Outcome: MoreWork} }
func Drain() Result       { return Result{Outcome: DrainThenStop} }
func Fatal(err *core.EngineError) Result {
	return Result{Outcome: FatalError, Err: err}
}

// Policy controls what the executor does when a stage's Process call
// returns a FatalError outcome.
type Policy uint8

const (
	// PolicyFatal tears the whole pipeline down.
	PolicyFatal Policy = iota
	// PolicyDrainThenStop closes this stage's outputs; downstream
	// observes Closed and terminates naturally. Unrelated branches
	// continue running.
	PolicyDrainThenStop
	// PolicySkipPacket drops the offending packet and continues; the
	// error event is published on every occurrence, without rate
	// limiting.
	PolicySkipPacket
)

// ApplyOutcome is the result of ApplyParameter.
type ApplyOutcome uint8

const (
	Applied ApplyOutcome = iota
	Rejected
)

// Stage is the interface every source, transform, and sink implements.
// Process must never call a blocking receive: inputs are polled with
// try_recv semantics, and a stage with nothing to do returns Yielded.
type Stage interface {
	// Initialize is called once, before Process is ever invoked.
	// Returning an error aborts the graph's start.
	Initialize(ctx *Context) error

	// Process advances the stage by at most one unit of work and must
	// return promptly. The executor calls it repeatedly from the
	// stage's scheduling-group thread.
	Process(ctx *Context) Result

	// Flush makes any buffered state durable (e.g. an fsync on a sink's
	// writer). Called once, before Shutdown, during an orderly stop.
	Flush() error

	// Shutdown releases non-pool resources (file handles, sockets).
	Shutdown()

	// IsLocked reports whether this stage currently holds state that a
	// parameter change could corrupt (e.g. an open recording). Default
	// false for stages that never need to refuse updates.
	IsLocked() bool

	// ApplyParameter is invoked by the executor on the stage's own
	// worker thread, between Process calls, never concurrently with
	// Process.
	ApplyParameter(key string, value any) (ApplyOutcome, error)

	// ErrorPolicy declares how the executor should react to a
	// FatalError outcome from Process.
	ErrorPolicy() Policy
}

// BaseStage supplies the default, overridable-by-embedding
// implementations most stages share: unlocked, PolicyFatal, and no-op
// Flush/Shutdown/ApplyParameter. Concrete stages embed it and override
// only what they need.
type BaseStage struct{}

func (BaseStage) Flush() error { return nil }
func (BaseStage) Shutdown()    {}
func (BaseStage) IsLocked() bool { return false }
func (BaseStage) ApplyParameter(key string, value any) (ApplyOutcome, error) {
	return Rejected, nil
}
func (BaseStage) ErrorPolicy() Policy { return PolicyFatal }

// Context is the set of collaborators Initialize and Process receive.
// It is constructed by the pipeline's wiring at graph start (the
// executor fills in Done) and is the only way a stage observes the
// outside world.
type Context struct {
	// StageID is this stage's unique name from the graph spec.
	StageID string

	// Inputs maps a port name to the receiving side of an upstream
	// Edge subscription; empty for sources.
	Inputs map[string]Receiver
	// Outputs maps a port name to the sending side of an Edge; empty
	// for sinks.
	Outputs map[string]Sender

	// Pools maps an output port name to the packet pool a stage
	// acquires that port's buffers from.
	Pools map[string]Acquirer

	// Params delivers parameter updates routed to this stage; the
	// executor drains it between Process calls and hands each update to
	// ApplyParameter, so Process does not read it.
	Params <-chan ParamUpdate

	// Events publishes stage-originated events to the control plane.
	Events EventPublisher

	// SampleRateHint is the sample rate observed from upstream meta at
	// initialize time; stages may use it to size internal buffers.
	SampleRateHint uint32

	// Done is canceled when the executor begins an orderly or forced
	// shutdown; Process must check it every round.
	Done context.Context
}

// ParamUpdate is one key/value parameter change routed to a stage.
type ParamUpdate struct {
	Key    string
	Value  any
	Result chan<- ApplyOutcome
}

// Receiver is the consumer-facing half of an Edge.
type Receiver interface {
	// TryRecv returns the next packet, or (nil, false) if none is
	// currently available.
	TryRecv() (*core.Packet, bool)
	// Closed reports whether the upstream has signaled end-of-stream
	// and every buffered packet has been drained.
	Closed() bool
}

// Sender is the producer-facing half of an Edge.
type Sender interface {
	// TrySend publishes pkt to every subscriber. Returns false if the
	// producer should yield and retry next round (a specific
	// subscriber lagging independently drops its own oldest item
	// instead of blocking the producer).
	TrySend(pkt *core.Packet) bool
	// Close signals end-of-stream to every subscriber.
	Close()
}

// Acquirer is the narrow view of a pool a stage needs.
type Acquirer interface {
	TryAcquire() (*core.Packet, bool)
	Acquire(ctx context.Context) (*core.Packet, error)
}

// EventPublisher publishes engine events to the control plane's event
// bus (see internal/control).
type EventPublisher interface {
	Publish(err *core.EngineError)
}
