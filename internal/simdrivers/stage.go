package simdrivers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/usnistgov/daqcore"
)

// Stage is a simulated single-axis linear stage: Movable + Parameterized.
type Stage struct {
	id, name string
	min, max float64

	position atomic.Value // float64
	settling atomic.Bool

	params   *daqcore.ParameterSet
	velocity *daqcore.Parameter[float64]
}

// NewStage constructs a Stage at the midpoint of [min, max].
func NewStage(id, name string, min, max float64) *Stage {
	s := &Stage{id: id, name: name, min: min, max: max}
	s.position.Store((min + max) / 2)

	set := daqcore.NewParameterSet()
	s.velocity = daqcore.NewParameter[float64](id, "velocity_mm_per_s", 10.0)
	s.velocity.RegisterValidator(func(v float64) error {
		if v <= 0 {
			return daqcore.ValidationError("velocity must be positive, got %v", v)
		}
		return nil
	})
	daqcore.Add(set, s.velocity)
	s.params = set
	return s
}

func (s *Stage) ID() string         { return s.id }
func (s *Stage) Name() string       { return s.name }
func (s *Stage) DriverType() string { return "sim.stage" }
func (s *Stage) Parameters() *daqcore.ParameterSet { return s.params }

func (s *Stage) SoftLimits() (float64, float64) { return s.min, s.max }

// MoveAbs commands an absolute move and marks the stage as settling,
// going through the transient-fault/retry path every real
// transport-backed driver needs. The distance traveled is not recorded,
// so it has no effect on the settle time WaitSettled applies.
func (s *Stage) MoveAbs(ctx context.Context, pos float64) error {
	if pos < s.min || pos > s.max {
		return daqcore.ValidationError("OutOfRange: %v exceeds soft limits [%v, %v]", pos, s.min, s.max).WithDevice(s.id)
	}
	current := s.position.Load().(float64)
	return connWithBackoff(ctx, s.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "stage %s: transient actuator fault", s.id).WithDevice(s.id)
		}
		s.settling.Store(true)
		s.position.Store(pos)
		_ = current
		return nil
	})
}

// MoveRel commands a move relative to the current position.
func (s *Stage) MoveRel(ctx context.Context, delta float64) error {
	return s.MoveAbs(ctx, s.position.Load().(float64)+delta)
}

// Position returns the stage's last commanded position immediately; a
// real stage might instead report live encoder counts, but the
// simulation has no encoder noise model to add value there.
func (s *Stage) Position(ctx context.Context) (float64, error) {
	return s.position.Load().(float64), nil
}

// WaitSettled blocks for settleDelay(1) (2 ms) after a move, whatever the
// distance moved.
func (s *Stage) WaitSettled(ctx context.Context) error {
	if !s.settling.Load() {
		return nil
	}
	select {
	case <-time.After(settleDelay(1)):
	case <-ctx.Done():
		return daqcore.Cancelled("stage %s: wait_settled: %v", s.id, ctx.Err())
	}
	s.settling.Store(false)
	return nil
}
