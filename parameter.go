package daqcore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var paramLog zerolog.Logger = log.With().Str("component", "parameter").Logger()

// Origin distinguishes a software-initiated write (subject to the
// hardware-writer callback) from a hardware-originated update (polling a
// device; bypasses the callback to avoid echo loops).
type Origin string

const (
	OriginSoftware Origin = "software"
	OriginHardware Origin = "hardware"
)

// ParameterChange is broadcast to subscribers on every committed write.
type ParameterChange struct {
	DeviceID      string
	ParameterName string
	OldValue      any
	NewValue      any
	TimestampNs   int64
	Origin        Origin
}

// HWWriter is a one-shot asynchronous hardware write callback. It is
// invoked with the lock released; a non-nil error rolls the in-memory
// value back.
type HWWriter[T any] func(ctx context.Context, value T) error

// Validator rejects a prospective value before it is committed.
type Validator[T any] func(value T) error

// changeNotice is what subscribers see: the (old, new) pair with its
// commit timestamp and origin, or a lag signal if the subscriber fell
// behind.
type changeNotice struct {
	old, new any
	tsNs     int64
	origin   Origin
	laggedBy int
}

const subscriberBufferSize = 32

type subscriber struct {
	ch chan changeNotice
}

// Parameter is a reactive typed cell unifying an in-memory value, change
// notification, and optional asynchronous hardware synchronization. All
// exported methods are safe for concurrent use.
type Parameter[T any] struct {
	mu          sync.Mutex // guards value, hwWriter, validator, subscribers
	hwMu        sync.Mutex // serializes hardware writes; held from the hardware write until a software Set returns
	value       T
	deviceID    string
	name        string
	hwWriter    HWWriter[T]
	validator   Validator[T]
	subscribers []*subscriber
}

// NewParameter constructs a Parameter owned by deviceID with the given
// initial value. name is used only for logging and ParameterChange events.
func NewParameter[T any](deviceID, name string, initial T) *Parameter[T] {
	return &Parameter[T]{value: initial, deviceID: deviceID, name: name}
}

// Get performs a wait-free read of the current value. It always observes
// a consistent prior value; torn reads are impossible because the whole
// struct is read under the same mutex used by Set's commit step. This is
// not literally lock-free, but it never blocks on hardware I/O: the
// mutex is only ever held across in-memory bookkeeping.
func (p *Parameter[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// RegisterHWWriter installs a one-shot async writer, replacing any prior
// writer. Pass nil to remove.
func (p *Parameter[T]) RegisterHWWriter(w HWWriter[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hwWriter = w
}

// RegisterValidator installs a predicate that rejects writes violating a
// domain constraint (e.g. position within soft limits).
func (p *Parameter[T]) RegisterValidator(v Validator[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validator = v
}

// Subscribe returns a channel of change notices. The stream is lossy
// under backpressure: if the subscriber's buffer fills, pending notices
// are dropped and the next delivered notice carries, besides its own
// value pair, the count of notices lost before it. Callers should range
// over the channel and check Notice.LaggedBy. The returned cancel func must be called to stop
// receiving and release the subscription slot.
func (p *Parameter[T]) Subscribe() (<-chan Notice[T], func()) {
	raw := &subscriber{ch: make(chan changeNotice, subscriberBufferSize)}
	p.mu.Lock()
	p.subscribers = append(p.subscribers, raw)
	p.mu.Unlock()

	out := make(chan Notice[T], subscriberBufferSize)
	done := make(chan struct{})
	go func() {
		defer close(out)
		lagged := 0
		for {
			select {
			case n, ok := <-raw.ch:
				if !ok {
					return
				}
				if n.laggedBy > 0 {
					lagged += n.laggedBy
					continue
				}
				notice := Notice[T]{Old: n.old.(T), New: n.new.(T), TimestampNs: n.tsNs, Origin: n.origin, LaggedBy: lagged}
				lagged = 0
				select {
				case out <- notice:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subscribers {
			if s == raw {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				break
			}
		}
	}
	return out, cancel
}

// Notice is one delivered change. LaggedBy > 0 means that many earlier
// notices were dropped before this one; Old/New still hold this change.
type Notice[T any] struct {
	Old, New    T
	TimestampNs int64
	Origin      Origin
	LaggedBy    int
}

// Set validates; then, if origin is software and a hardware writer is
// registered, awaits it with the value lock released; then commits and
// notifies subscribers in subscription order. A validator failure or hardware-writer
// failure leaves the value and subscribers untouched: a write either
// fully succeeds or fails atomically.
func (p *Parameter[T]) Set(ctx context.Context, newValue T, origin Origin) error {
	p.mu.Lock()
	if p.validator != nil {
		if err := p.validator(newValue); err != nil {
			p.mu.Unlock()
			return ValidationError("parameter %s: %v", p.name, err).WithDevice(p.deviceID).WithParameter(p.name)
		}
	}
	oldValue := p.value
	writer := p.hwWriter
	p.mu.Unlock()

	if origin == OriginSoftware && writer != nil {
		// hwMu serializes the whole software-write path so that at most
		// one hardware write is ever in flight per parameter; concurrent
		// Set calls simply queue here. The value mutex itself is never
		// held across the callback.
		p.hwMu.Lock()
		defer p.hwMu.Unlock()

		if err := writer(ctx, newValue); err != nil {
			paramLog.Error().Str("device", p.deviceID).Str("param", p.name).Err(err).Msg("hardware write rolled back")
			return HardwareError(err, "parameter %s: hardware write failed", p.name).WithDevice(p.deviceID).WithParameter(p.name)
		}
	}

	p.mu.Lock()
	p.value = newValue
	subs := append([]*subscriber(nil), p.subscribers...)
	p.mu.Unlock()
	p.notify(subs, oldValue, newValue, origin)
	return nil
}

func (p *Parameter[T]) notify(subs []*subscriber, old, new T, origin Origin) {
	tsNs := time.Now().UnixNano()
	for _, s := range subs {
		select {
		case s.ch <- changeNotice{old: old, new: new, tsNs: tsNs, origin: origin}:
		default:
			// Slow subscriber: instead of blocking the committing
			// goroutine, discard the oldest queued notice to make room
			// and queue a lag signal counting it and this one.
			lost := 1
			select {
			case old := <-s.ch:
				if old.laggedBy > 0 {
					lost += old.laggedBy
				} else {
					lost++
				}
			default:
			}
			select {
			case s.ch <- changeNotice{laggedBy: lost}:
			default:
			}
		}
	}
}

// handle is the type-erased view of a Parameter used by ParameterSet,
// which must hold heterogeneous parameter types in one map, and by the
// RPC layer, which receives untyped JSON values off the wire.
type handle interface {
	Name() string
	AnyValue() any
	SetAny(ctx context.Context, value any, origin Origin) error
	SubscribeAny() (<-chan any, func())
	SubscribeChanges() (<-chan ParameterChange, func())
}

func (p *Parameter[T]) Name() string  { return p.name }
func (p *Parameter[T]) AnyValue() any { return p.Get() }

// SetAny is the type-erased entry point Set via ParameterSet.SetValue
// goes through. It fails with ValidationError if value is not assignable
// to T, which is how a malformed RPC request (wrong JSON type for this
// parameter) gets reported back to the caller.
func (p *Parameter[T]) SetAny(ctx context.Context, value any, origin Origin) error {
	v, ok := value.(T)
	if !ok {
		return ValidationError("parameter %s: value %v has the wrong type", p.name, value).WithDevice(p.deviceID).WithParameter(p.name)
	}
	return p.Set(ctx, v, origin)
}

// SubscribeAny is Subscribe's type-erased counterpart, for callers (the
// websocket streaming layer) that hold only a handle. It forwards each
// Notice's New value, discarding Old and the lag count: a caller that
// needs those should use the typed Subscribe via ParameterSet's Get[T].
func (p *Parameter[T]) SubscribeAny() (<-chan any, func()) {
	typed, cancel := p.Subscribe()
	out := make(chan any, subscriberBufferSize)
	go func() {
		defer close(out)
		for n := range typed {
			out <- n.New
		}
	}()
	return out, cancel
}

// SubscribeChanges is the ParameterChange-typed view of Subscribe: each
// committed write arrives as a fully annotated event carrying the owning
// device, parameter name, commit timestamp, and origin, which is what
// the SubscribeParameters RPC streams to remote clients.
func (p *Parameter[T]) SubscribeChanges() (<-chan ParameterChange, func()) {
	typed, cancel := p.Subscribe()
	out := make(chan ParameterChange, subscriberBufferSize)
	go func() {
		defer close(out)
		for n := range typed {
			out <- ParameterChange{
				DeviceID:      p.deviceID,
				ParameterName: p.name,
				OldValue:      n.Old,
				NewValue:      n.New,
				TimestampNs:   n.TimestampNs,
				Origin:        n.Origin,
			}
		}
	}()
	return out, cancel
}

// ParameterSet is an insertion-ordered name -> parameter handle map.
// Parameters are never removed during a device's lifetime; lookup is
// O(1) expected.
type ParameterSet struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]handle
}

// NewParameterSet returns an empty set.
func NewParameterSet() *ParameterSet {
	return &ParameterSet{byName: make(map[string]handle)}
}

// Add registers p under its own name. Panics on duplicate name: that is a
// programming error in a driver's constructor, not a runtime condition.
func Add[T any](set *ParameterSet, p *Parameter[T]) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if _, exists := set.byName[p.name]; exists {
		panic("daqcore: duplicate parameter name " + p.name)
	}
	set.order = append(set.order, p.name)
	set.byName[p.name] = p
}

// Names returns parameter names in insertion order.
func (s *ParameterSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Value returns the current value of a named parameter, type-erased.
func (s *ParameterSet) Value(name string) (any, bool) {
	s.mu.RLock()
	h, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.AnyValue(), true
}

// Get returns the typed Parameter registered under name, for callers that
// know the concrete type (drivers, typed RPC handlers). ok is false if
// the name is absent or registered under a different type.
func Get[T any](set *ParameterSet, name string) (*Parameter[T], bool) {
	set.mu.RLock()
	h, exists := set.byName[name]
	set.mu.RUnlock()
	if !exists {
		return nil, false
	}
	p, ok := h.(*Parameter[T])
	return p, ok
}

// SetValue sets a named parameter's value without the caller knowing its
// concrete type, for the RPC layer (rpcapi.ParametersService) and
// scripted plans that address parameters by string name.
func (s *ParameterSet) SetValue(ctx context.Context, name string, value any, origin Origin) error {
	s.mu.RLock()
	h, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return NotFound("parameter %q not registered", name).WithParameter(name)
	}
	return h.SetAny(ctx, value, origin)
}

// SubscribeValue is SubscribeAny scoped to a ParameterSet lookup by
// name, for consumers that only want the new value (the combined
// device-state stream).
func (s *ParameterSet) SubscribeValue(name string) (<-chan any, func(), error) {
	s.mu.RLock()
	h, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, NotFound("parameter %q not registered", name).WithParameter(name)
	}
	ch, cancel := h.SubscribeAny()
	return ch, cancel, nil
}

// SubscribeChanges is SubscribeValue's ParameterChange-typed
// counterpart, for the websocket streaming layer (rpcapi's
// /ws/devices/{deviceID}/parameters/{name} route).
func (s *ParameterSet) SubscribeChanges(name string) (<-chan ParameterChange, func(), error) {
	s.mu.RLock()
	h, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, NotFound("parameter %q not registered", name).WithParameter(name)
	}
	ch, cancel := h.SubscribeChanges()
	return ch, cancel, nil
}
