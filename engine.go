package daqcore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is one of the run engine's four states.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateAborting State = "aborting"
)

// waitForSafetyCeiling bounds WaitFor's poll count even if a caller
// passes maxPolls <= 0, so a condition-bounded loop can never spin
// unbounded.
const waitForSafetyCeiling = 1_000_000

// RecordKind tags what a RingRecord's Payload holds.
type RecordKind string

const (
	RecordDocument    RecordKind = "document"
	RecordMeasurement RecordKind = "measurement"
)

// RingRecord is the self-describing unit the engine pushes into the ring
// buffer: every Document (lossless within the buffer's capacity) and
// every Measurement observed via Read. The storage writer is the
// "catch-up" consumer that drains these into a durable file.
type RingRecord struct {
	Kind    RecordKind
	Payload []byte
}

// RingSink is the subset of ringbuf.RingBuffer the engine depends on. It
// is declared here, in the package that owns Document/Measurement, so
// ringbuf need not import daqcore's plan/engine types: only the reverse.
type RingSink interface {
	WriteRecord(rec RingRecord) error
}

// DocumentStore optionally receives every Document directly, for
// deployments that want documents durably recorded even without a ring
// buffer wired in.
type DocumentStore interface {
	WriteDocument(doc Document) error
}

// RunEngine executes Plans against a Registry, enforcing the state
// machine and document-emission invariants. Exactly one run is active
// at a time.
type RunEngine struct {
	mu        sync.Mutex
	state     State
	registry  *Registry
	docStore  DocumentStore
	ringSink  RingSink
	broadcast *docBroadcaster

	queuedUID   string
	queuedPlan  *Plan
	queuedMeta  map[string]string

	current *runState
}

type descState struct {
	streamName string
	seq        uint64
}

type runState struct {
	uid      string
	plan     Plan
	metadata map[string]string
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	mu             sync.Mutex
	pauseRequested bool
	abortRequested bool
	abortReason    string
	wake           chan struct{}

	descMu      sync.Mutex
	descriptors map[string]*descState
	numEvents   map[string]uint64
}

// NewRunEngine constructs an idle engine. docStore and ringSink may be
// nil, in which case documents/measurements are simply not persisted
// (useful for `daqd run` against an in-process registry with no storage
// configured).
func NewRunEngine(registry *Registry, docStore DocumentStore, ringSink RingSink) *RunEngine {
	return &RunEngine{
		state:     StateIdle,
		registry:  registry,
		docStore:  docStore,
		ringSink:  ringSink,
		broadcast: newDocBroadcaster(),
	}
}

// State returns the engine's current state.
func (e *RunEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Queue validates plan's parameters and enqueues it under a freshly
// allocated run uid. An invalid plan is rejected here, before any uid is
// issued. The engine stays Idle until Run is called.
func (e *RunEngine) Queue(plan Plan, metadata map[string]string) (string, error) {
	if plan.Validate != nil {
		if err := plan.Validate(); err != nil {
			return "", err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return "", StateError("cannot queue a plan while engine is %s", e.state)
	}
	runUID := uuid.NewString()
	e.queuedUID = runUID
	e.queuedPlan = &plan
	e.queuedMeta = metadata
	return runUID, nil
}

// Run transitions Idle -> Running, emits Start, and begins executing the
// queued plan's body in a background goroutine. runUID must match the
// most recently queued plan.
func (e *RunEngine) Run(runUID string) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return StateError("cannot run while engine is %s", e.state)
	}
	if e.queuedPlan == nil || e.queuedUID != runUID {
		e.mu.Unlock()
		return NotFound("no queued plan with run uid %q", runUID)
	}
	plan := *e.queuedPlan
	metadata := e.queuedMeta
	e.queuedPlan = nil
	e.queuedUID = ""

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{
		uid:         runUID,
		plan:        plan,
		metadata:    metadata,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		wake:        make(chan struct{}),
		descriptors: make(map[string]*descState),
		numEvents:   make(map[string]uint64),
	}
	e.current = rs
	e.state = StateRunning
	e.mu.Unlock()

	e.registry.SetRunInProgress(true)
	e.emitDoc(NewStart(runUID, plan.Name, metadataScanID(metadata), nowNs(), metadata))

	go e.execute(rs)
	return nil
}

func metadataScanID(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	return metadata["scan_id"]
}

func (e *RunEngine) execute(rs *runState) {
	defer close(rs.done)
	err := rs.plan.Body(rs.ctx, e)

	e.mu.Lock()
	wasAborting := e.state == StateAborting
	e.mu.Unlock()

	rs.descMu.Lock()
	numEvents := make(map[string]uint64, len(rs.numEvents))
	for k, v := range rs.numEvents {
		numEvents[k] = v
	}
	rs.descMu.Unlock()

	var stop Document
	switch {
	case wasAborting:
		reason := rs.abortReason
		if reason == "" {
			reason = "client abort"
		}
		stop = NewStop(uuid.NewString(), rs.uid, nowNs(), ExitAborted, reason, numEvents)
	case err == nil:
		stop = NewStop(uuid.NewString(), rs.uid, nowNs(), ExitSuccess, "", numEvents)
	default:
		stop = NewStop(uuid.NewString(), rs.uid, nowNs(), ExitFailed, err.Error(), numEvents)
	}
	e.emitDoc(stop)

	e.registry.SetRunInProgress(false)
	e.mu.Lock()
	e.state = StateIdle
	e.current = nil
	e.mu.Unlock()
}

// Pause defers its effect until the plan reaches the next Checkpoint; it
// never interrupts an in-flight hardware command.
func (e *RunEngine) Pause(runUID string) error {
	rs, err := e.currentFor(runUID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return StateError("cannot pause while engine is %s", e.state)
	}
	e.mu.Unlock()
	rs.mu.Lock()
	rs.pauseRequested = true
	rs.mu.Unlock()
	return nil
}

// Resume transitions Paused -> Running and wakes the plan body blocked at
// its Checkpoint.
func (e *RunEngine) Resume(runUID string) error {
	rs, err := e.currentFor(runUID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return StateError("cannot resume while engine is %s", e.state)
	}
	e.state = StateRunning
	e.mu.Unlock()

	rs.mu.Lock()
	rs.pauseRequested = false
	close(rs.wake)
	rs.wake = make(chan struct{})
	rs.mu.Unlock()
	return nil
}

// Abort transitions Running|Paused -> Aborting. It is best-effort
// immediate: the run's context is cancelled, so the currently executing
// command (if any) either returns early, if it honors cancellation, or
// runs to completion; no further commands are issued.
func (e *RunEngine) Abort(runUID, reason string) error {
	rs, err := e.currentFor(runUID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		e.mu.Unlock()
		return StateError("cannot abort while engine is %s", e.state)
	}
	e.state = StateAborting
	e.mu.Unlock()

	rs.mu.Lock()
	rs.abortRequested = true
	rs.abortReason = reason
	close(rs.wake)
	rs.wake = make(chan struct{})
	rs.mu.Unlock()
	rs.cancel()
	return nil
}

func (e *RunEngine) currentFor(runUID string) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.uid != runUID {
		return nil, NotFound("no active run with uid %q", runUID)
	}
	return e.current, nil
}

// StreamDocuments subscribes to the lossy document broadcast. Cancel
// stops delivery; it never affects other subscribers or the producer.
func (e *RunEngine) StreamDocuments() (<-chan Document, func()) {
	return e.broadcast.subscribe()
}

func (e *RunEngine) emitDoc(doc Document) {
	if e.docStore != nil {
		if err := e.docStore.WriteDocument(doc); err != nil {
			log.Error().Err(err).Str("run", doc.RunUID).Msg("document store write failed")
		}
	}
	if e.ringSink != nil {
		if payload, err := encodeForRing(doc); err != nil {
			log.Error().Err(err).Msg("encode document for ring buffer failed")
		} else if err := e.ringSink.WriteRecord(RingRecord{Kind: RecordDocument, Payload: payload}); err != nil {
			log.Error().Err(err).Msg("ring buffer write failed")
		}
	}
	e.broadcast.publish(doc)
}

// --- Emitter implementation -------------------------------------------------

func (e *RunEngine) checkAbort(ctx context.Context) error {
	rs, err := e.runningState()
	if err != nil {
		return err
	}
	rs.mu.Lock()
	aborted := rs.abortRequested
	reason := rs.abortReason
	rs.mu.Unlock()
	if aborted {
		return Cancelled("aborted: %s", reason)
	}
	if ctx.Err() != nil {
		return Cancelled("context done: %v", ctx.Err())
	}
	return nil
}

func (e *RunEngine) runningState() (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil, Internal(nil, "emitter called with no active run")
	}
	return e.current, nil
}

func (e *RunEngine) MoveTo(ctx context.Context, deviceID string, pos float64) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	m, ok := e.registry.GetMovable(deviceID)
	if !ok {
		return NotFound("device %q does not implement Movable", deviceID).WithDevice(deviceID)
	}
	if min, max := m.SoftLimits(); pos < min || pos > max {
		return ValidationError("OutOfRange: %v exceeds soft limits [%v, %v]", pos, min, max).WithDevice(deviceID)
	}
	if err := m.MoveAbs(ctx, pos); err != nil {
		return err
	}
	return m.WaitSettled(ctx)
}

func (e *RunEngine) Read(ctx context.Context, deviceID string) (float64, error) {
	if err := e.checkAbort(ctx); err != nil {
		return 0, err
	}
	r, ok := e.registry.GetReadable(deviceID)
	if !ok {
		return 0, NotFound("device %q does not implement Readable", deviceID).WithDevice(deviceID)
	}
	v, unit, err := r.Read(ctx)
	if err != nil {
		return 0, err
	}
	if e.ringSink != nil {
		if payload, encErr := json.Marshal(NewScalarMeasurement(deviceID, nowNs(), v, unit)); encErr == nil {
			if err := e.ringSink.WriteRecord(RingRecord{Kind: RecordMeasurement, Payload: payload}); err != nil {
				log.Error().Err(err).Msg("ring buffer write failed")
			}
		}
	}
	return v, nil
}

func (e *RunEngine) Trigger(ctx context.Context, deviceID string) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	t, ok := e.registry.GetTriggerable(deviceID)
	if !ok {
		return NotFound("device %q does not implement Triggerable", deviceID).WithDevice(deviceID)
	}
	return t.Trigger(ctx)
}

func (e *RunEngine) Arm(ctx context.Context, deviceID string) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	t, ok := e.registry.GetTriggerable(deviceID)
	if !ok {
		return NotFound("device %q does not implement Triggerable", deviceID).WithDevice(deviceID)
	}
	return t.Arm(ctx)
}

func (e *RunEngine) SetExposure(ctx context.Context, deviceID string, seconds float64) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	x, ok := e.registry.GetExposureControl(deviceID)
	if !ok {
		return NotFound("device %q does not implement ExposureControl", deviceID).WithDevice(deviceID)
	}
	return x.SetExposureSeconds(ctx, seconds)
}

func (e *RunEngine) Wait(ctx context.Context, d time.Duration) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return Cancelled("wait: %v", ctx.Err())
	}
}

func (e *RunEngine) WaitFor(ctx context.Context, cond Condition, pollInterval time.Duration, maxPolls int) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	if maxPolls <= 0 || maxPolls > waitForSafetyCeiling {
		maxPolls = waitForSafetyCeiling
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	for i := 0; i < maxPolls; i++ {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return Cancelled("wait_for: %v", ctx.Err())
		}
		if err := e.checkAbort(ctx); err != nil {
			return err
		}
	}
	return Timeout("wait_for: condition not satisfied within %d polls", maxPolls)
}

func (e *RunEngine) Checkpoint(ctx context.Context) error {
	rs, err := e.runningState()
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if rs.abortRequested {
		reason := rs.abortReason
		rs.mu.Unlock()
		return Cancelled("aborted: %s", reason)
	}
	if !rs.pauseRequested {
		rs.mu.Unlock()
		return nil
	}
	wake := rs.wake
	rs.mu.Unlock()

	e.mu.Lock()
	e.state = StatePaused
	e.mu.Unlock()

	select {
	case <-wake:
		rs.mu.Lock()
		aborted := rs.abortRequested
		reason := rs.abortReason
		rs.mu.Unlock()
		if aborted {
			return Cancelled("aborted: %s", reason)
		}
		return nil
	case <-ctx.Done():
		return Cancelled("checkpoint: %v", ctx.Err())
	}
}

func (e *RunEngine) CreateDescriptor(ctx context.Context, streamName string, keys []DataKey) (string, error) {
	if err := e.checkAbort(ctx); err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", ValidationError("CreateDescriptor: stream %q needs at least one data key", streamName)
	}
	rs, err := e.runningState()
	if err != nil {
		return "", err
	}
	descUID := uuid.NewString()
	rs.descMu.Lock()
	rs.descriptors[descUID] = &descState{streamName: streamName}
	rs.descMu.Unlock()

	e.emitDoc(NewDescriptor(descUID, rs.uid, streamName, keys))
	return descUID, nil
}

func (e *RunEngine) EmitEvent(ctx context.Context, descriptorUID string, data map[string]any) error {
	if err := e.checkAbort(ctx); err != nil {
		return err
	}
	rs, err := e.runningState()
	if err != nil {
		return err
	}
	rs.descMu.Lock()
	desc, ok := rs.descriptors[descriptorUID]
	if !ok {
		rs.descMu.Unlock()
		return NotFound("no descriptor with uid %q in this run", descriptorUID)
	}
	seq := desc.seq
	desc.seq++
	rs.numEvents[desc.streamName]++
	rs.descMu.Unlock()

	timestamps := make(map[string]int64, len(data))
	now := nowNs()
	for k := range data {
		timestamps[k] = now
	}
	e.emitDoc(NewEvent(uuid.NewString(), descriptorUID, seq, now, data, timestamps))
	return nil
}

func nowNs() int64 { return time.Now().UnixNano() }

// --- lossy document broadcast ----------------------------------------------

const docBroadcastCapacity = 1024

type docBroadcaster struct {
	mu   sync.Mutex
	subs map[*docSub]struct{}
}

type docSub struct {
	ch chan Document
}

func newDocBroadcaster() *docBroadcaster {
	return &docBroadcaster{subs: make(map[*docSub]struct{})}
}

func (b *docBroadcaster) subscribe() (<-chan Document, func()) {
	s := &docSub{ch: make(chan Document, docBroadcastCapacity)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, cancel
}

func (b *docBroadcaster) publish(doc Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- doc:
		default:
			// Lossy: slow subscribers miss documents and must reconnect
			// to re-synchronize.
		}
	}
}

// encodeForRing renders a Document as the self-describing bytes the ring
// buffer stores. JSON keeps the record human-debuggable and is adequate
// at the document rates this system handles (documents, unlike raw
// detector samples, are not on the 10^7 ops/sec hot path).
func encodeForRing(doc Document) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}
