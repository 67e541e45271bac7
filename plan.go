package daqcore

import (
	"context"
	"time"
)

// CommandKind names one of the PlanCommand vocabulary entries.
type CommandKind string

const (
	CmdMoveTo          CommandKind = "move_to"
	CmdRead            CommandKind = "read"
	CmdTrigger         CommandKind = "trigger"
	CmdArm             CommandKind = "arm"
	CmdWait            CommandKind = "wait"
	CmdWaitFor         CommandKind = "wait_for"
	CmdCheckpoint      CommandKind = "checkpoint"
	CmdEmitEvent       CommandKind = "emit_event"
	CmdCreateDescriptor CommandKind = "create_descriptor"
)

// PlanCommand is the data shape of one command of the vocabulary. Plan
// bodies do not build these:
// they call methods on the Emitter the engine hands them, which is the
// idiomatic-Go rendering of a lazy command sequence: Go has no built-in
// lazy generator prior to range-over-func, and "yield the next thing" is
// naturally a direct call against a receiver, not constructed data
// threaded through a channel. The engine does not build or keep
// PlanCommand records either; no run history is retained.
type PlanCommand struct {
	Kind          CommandKind
	DeviceID      string
	Position      float64
	Duration      time.Duration
	PollInterval  time.Duration
	MaxPolls      int
	StreamName    string
	DataKeys      []DataKey
	DescriptorUID string
	Data          map[string]any
}

// Condition is a user-supplied predicate for WaitFor. It is evaluated on
// a per-call cadence (the poll interval is an argument, never a global)
// up to a caller-supplied bound.
type Condition func(ctx context.Context) (bool, error)

// Emitter is what a Plan body executes against: one method per
// PlanCommand vocabulary entry. The engine is the only implementation;
// every method call blocks until the command has actually executed
// against the registry (or the run was aborted/paused at a Checkpoint).
type Emitter interface {
	MoveTo(ctx context.Context, deviceID string, pos float64) error
	Read(ctx context.Context, deviceID string) (float64, error)
	Trigger(ctx context.Context, deviceID string) error
	Arm(ctx context.Context, deviceID string) error
	Wait(ctx context.Context, d time.Duration) error
	WaitFor(ctx context.Context, cond Condition, pollInterval time.Duration, maxPolls int) error
	Checkpoint(ctx context.Context) error
	EmitEvent(ctx context.Context, descriptorUID string, data map[string]any) error
	CreateDescriptor(ctx context.Context, streamName string, keys []DataKey) (string, error)
}

// Plan is a (possibly infinite) experiment description: a named body
// executed against an Emitter. Body returning a non-nil error halts the
// run with Stop{exit_status=failed}; returning nil after the body
// function returns halts the run with Stop{exit_status=success}.
// Validate, when non-nil, checks the plan's parameters without touching
// any device; RunEngine.Queue runs it and rejects the plan before a run
// uid is ever allocated.
type Plan struct {
	Name     string
	Validate func() error
	Body     func(ctx context.Context, e Emitter) error
}
