package daqcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slowAxis is a Movable whose MoveAbs takes moveDelay to settle, honoring
// context cancellation so Abort can interrupt it mid-move.
type slowAxis struct {
	id         string
	min, max   float64
	moveDelay  time.Duration
	pos        float64
}

func (a *slowAxis) ID() string         { return a.id }
func (a *slowAxis) Name() string       { return a.id }
func (a *slowAxis) DriverType() string { return "slow_axis" }
func (a *slowAxis) SoftLimits() (float64, float64) { return a.min, a.max }
func (a *slowAxis) WaitSettled(ctx context.Context) error { return nil }
func (a *slowAxis) Position(ctx context.Context) (float64, error) { return a.pos, nil }
func (a *slowAxis) MoveRel(ctx context.Context, delta float64) error {
	return a.MoveAbs(ctx, a.pos+delta)
}
func (a *slowAxis) MoveAbs(ctx context.Context, pos float64) error {
	select {
	case <-time.After(a.moveDelay):
		a.pos = pos
		return nil
	case <-ctx.Done():
		return Cancelled("move interrupted: %v", ctx.Err())
	}
}

// constDetector always returns the same reading immediately.
type constDetector struct {
	id    string
	value float64
}

func (d *constDetector) ID() string         { return d.id }
func (d *constDetector) Name() string       { return d.id }
func (d *constDetector) DriverType() string { return "const_detector" }
func (d *constDetector) Read(ctx context.Context) (float64, string, error) {
	return d.value, "V", nil
}

// gatedDetector blocks Read until the test sends on proceed, letting a
// test deterministically control exactly when each Checkpoint is reached.
type gatedDetector struct {
	id      string
	value   float64
	proceed chan struct{}
}

func newGatedDetector(id string, value float64) *gatedDetector {
	return &gatedDetector{id: id, value: value, proceed: make(chan struct{})}
}

func (d *gatedDetector) ID() string         { return d.id }
func (d *gatedDetector) Name() string       { return d.id }
func (d *gatedDetector) DriverType() string { return "gated_detector" }
func (d *gatedDetector) Read(ctx context.Context) (float64, string, error) {
	select {
	case <-d.proceed:
		return d.value, "V", nil
	case <-ctx.Done():
		return 0, "", Cancelled("read interrupted: %v", ctx.Err())
	}
}

func waitForState(t *testing.T, e *RunEngine, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for engine state %s, last observed %s", want, e.State())
}

func drainUntilStop(t *testing.T, docs <-chan Document, timeout time.Duration) Document {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d := <-docs:
			if d.Kind == DocStop {
				return d
			}
		case <-deadline:
			t.Fatal("timed out waiting for a Stop document")
		}
	}
}

// TestEngineLineScanHappyPath: a full LineScan produces Start,
// Descriptor, one Event per point with increasing SeqNum, and a Stop
// document reporting ExitSuccess.
func TestEngineLineScanHappyPath(t *testing.T) {
	registry := NewRegistry()
	axis := &slowAxis{id: "axis1", min: -10, max: 10}
	det := &constDetector{id: "det1", value: 7}
	require.NoError(t, registry.Register(axis))
	require.NoError(t, registry.Register(det))

	engine := NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plan := LineScan("axis1", 0, 10, 3, "det1")
	uid, err := engine.Queue(plan, map[string]string{"scan_id": "scan-A"})
	require.NoError(t, err)
	require.NoError(t, engine.Run(uid))

	var seen []Document
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-docs:
			seen = append(seen, d)
			if d.Kind == DocStop {
				goto done
			}
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
		}
	}
done:
	require.Equal(t, DocStart, seen[0].Kind)
	require.Equal(t, "scan-A", seen[0].ScanID)

	require.Equal(t, DocDescriptor, seen[1].Kind)

	var events []Document
	for _, d := range seen[2 : len(seen)-1] {
		require.Equal(t, DocEvent, d.Kind)
		events = append(events, d)
	}
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, uint64(i), ev.SeqNum)
	}

	stop := seen[len(seen)-1]
	require.Equal(t, DocStop, stop.Kind)
	require.Equal(t, ExitSuccess, stop.ExitStatus)
	require.Equal(t, uint64(3), stop.NumEvents["primary"])

	require.Equal(t, StateIdle, engine.State())
}

// TestEnginePauseResume: a pause requested mid-run takes effect only at
// the plan's next Checkpoint, and Resume lets it continue to completion.
func TestEnginePauseResume(t *testing.T) {
	registry := NewRegistry()
	det := newGatedDetector("det1", 1)
	require.NoError(t, registry.Register(det))

	engine := NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plan := Count("det1", 3)
	uid, err := engine.Queue(plan, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Run(uid))

	require.NoError(t, engine.Pause(uid))

	det.proceed <- struct{}{} // unblock the first Read; Checkpoint then pauses

	waitForState(t, engine, StatePaused, time.Second)

	require.NoError(t, engine.Resume(uid))
	det.proceed <- struct{}{} // second Read
	det.proceed <- struct{}{} // third Read

	stop := drainUntilStop(t, docs, 2*time.Second)
	require.Equal(t, ExitSuccess, stop.ExitStatus)
	require.Equal(t, uint64(3), stop.NumEvents["primary"])
}

// TestEngineAbortMidMove: Abort requested while a hardware command is in
// flight lets that command finish or be interrupted, then halts the run
// with ExitAborted and the given reason.
func TestEngineAbortMidMove(t *testing.T) {
	registry := NewRegistry()
	axis := &slowAxis{id: "axis1", min: -10, max: 10, moveDelay: 200 * time.Millisecond}
	det := &constDetector{id: "det1", value: 1}
	require.NoError(t, registry.Register(axis))
	require.NoError(t, registry.Register(det))

	engine := NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plan := LineScan("axis1", 0, 10, 3, "det1")
	uid, err := engine.Queue(plan, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Run(uid))

	time.Sleep(30 * time.Millisecond) // ensure the first MoveAbs is in flight
	require.NoError(t, engine.Abort(uid, "operator abort"))

	stop := drainUntilStop(t, docs, 2*time.Second)
	require.Equal(t, ExitAborted, stop.ExitStatus)
	require.Equal(t, "operator abort", stop.Reason)

	waitForState(t, engine, StateIdle, time.Second)
}

// TestEngineOutOfRangeMoveFailsRun: a MoveTo target outside a Movable's
// advertised soft limits fails the command with ValidationError and
// halts the run with ExitFailed, without commanding hardware.
func TestEngineOutOfRangeMoveFailsRun(t *testing.T) {
	registry := NewRegistry()
	axis := &slowAxis{id: "axis1", min: 0, max: 5}
	det := &constDetector{id: "det1", value: 1}
	require.NoError(t, registry.Register(axis))
	require.NoError(t, registry.Register(det))

	engine := NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plan := LineScan("axis1", 0, 10, 2, "det1") // stop=10 exceeds max=5
	uid, err := engine.Queue(plan, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Run(uid))

	stop := drainUntilStop(t, docs, 2*time.Second)
	require.Equal(t, ExitFailed, stop.ExitStatus)
	require.Contains(t, stop.Reason, "OutOfRange")
}

func TestEngineQueueRejectedUnlessIdle(t *testing.T) {
	registry := NewRegistry()
	det := newGatedDetector("det1", 1)
	require.NoError(t, registry.Register(det))

	engine := NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plan := Count("det1", 1)
	uid, err := engine.Queue(plan, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Run(uid))

	_, err = engine.Queue(plan, nil)
	require.Error(t, err)
	var daqErr *Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, KindStateError, daqErr.Kind)

	det.proceed <- struct{}{}
	drainUntilStop(t, docs, time.Second)
}

func TestEngineRunUnknownUID(t *testing.T) {
	registry := NewRegistry()
	engine := NewRunEngine(registry, nil, nil)
	err := engine.Run("does-not-exist")
	require.Error(t, err)
	var daqErr *Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, KindNotFound, daqErr.Kind)
}
