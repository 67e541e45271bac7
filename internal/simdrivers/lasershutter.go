package simdrivers

import (
	"context"
	"sync/atomic"

	"github.com/usnistgov/daqcore"
)

// Laser is a simulated tunable emission source: EmissionControl +
// WavelengthTunable + Parameterized.
type Laser struct {
	id, name         string
	minNm, maxNm     float64

	emitting atomic.Bool
	params   *daqcore.ParameterSet
	wavelength *daqcore.Parameter[float64]
}

// NewLaser constructs a Laser tunable over [minNm, maxNm].
func NewLaser(id, name string, minNm, maxNm float64) *Laser {
	l := &Laser{id: id, name: name, minNm: minNm, maxNm: maxNm}
	set := daqcore.NewParameterSet()
	l.wavelength = daqcore.NewParameter[float64](id, "wavelength_nm", (minNm+maxNm)/2)
	l.wavelength.RegisterValidator(func(v float64) error {
		if v < minNm || v > maxNm {
			return daqcore.ValidationError("wavelength_nm %v outside range [%v, %v]", v, minNm, maxNm)
		}
		return nil
	})
	daqcore.Add(set, l.wavelength)
	l.params = set
	return l
}

func (l *Laser) ID() string         { return l.id }
func (l *Laser) Name() string       { return l.name }
func (l *Laser) DriverType() string { return "sim.laser" }
func (l *Laser) Parameters() *daqcore.ParameterSet { return l.params }

// SetEmission enables or disables the laser's output.
func (l *Laser) SetEmission(ctx context.Context, on bool) error {
	return connWithBackoff(ctx, l.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "laser %s: transient interlock fault", l.id).WithDevice(l.id)
		}
		l.emitting.Store(on)
		return nil
	})
}

// Emitting reports whether the laser is currently emitting.
func (l *Laser) Emitting(ctx context.Context) (bool, error) {
	return l.emitting.Load(), nil
}

// Wavelength returns the currently tuned wavelength in nm.
func (l *Laser) Wavelength(ctx context.Context) (float64, error) {
	return l.wavelength.Get(), nil
}

// SetWavelength retunes the laser, subject to range validation.
func (l *Laser) SetWavelength(ctx context.Context, nm float64) error {
	return l.wavelength.Set(ctx, nm, daqcore.OriginSoftware)
}

// WavelengthRange reports the laser's tunable bounds.
func (l *Laser) WavelengthRange() (float64, float64) { return l.minNm, l.maxNm }

// Shutter is a simulated beam shutter: ShutterControl + Parameterized.
type Shutter struct {
	id, name string
	open     atomic.Bool
	params   *daqcore.ParameterSet
}

// NewShutter constructs a Shutter, initially closed.
func NewShutter(id, name string) *Shutter {
	s := &Shutter{id: id, name: name}
	s.params = daqcore.NewParameterSet()
	return s
}

func (s *Shutter) ID() string         { return s.id }
func (s *Shutter) Name() string       { return s.name }
func (s *Shutter) DriverType() string { return "sim.shutter" }
func (s *Shutter) Parameters() *daqcore.ParameterSet { return s.params }

// Open opens the shutter. Idempotent.
func (s *Shutter) Open(ctx context.Context) error {
	return connWithBackoff(ctx, s.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "shutter %s: transient solenoid fault", s.id).WithDevice(s.id)
		}
		s.open.Store(true)
		return nil
	})
}

// Close closes the shutter. Idempotent.
func (s *Shutter) Close(ctx context.Context) error {
	return connWithBackoff(ctx, s.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "shutter %s: transient solenoid fault", s.id).WithDevice(s.id)
		}
		s.open.Store(false)
		return nil
	})
}

// IsOpen reports the shutter's current state.
func (s *Shutter) IsOpen(ctx context.Context) (bool, error) {
	return s.open.Load(), nil
}
