package simdrivers

import (
	"context"
	"math"
	"math/rand"

	"github.com/usnistgov/daqcore"
)

// Detector is a simulated scalar sensor: Readable + Parameterized. Its
// reading is a sine wave (driven by an internal phase parameter) plus
// Gaussian noise, useful for exercising LineScan/GridScan/TimeSeries
// plans against a non-trivial signal shape.
type Detector struct {
	id, name string
	unit     string

	amplitude *daqcore.Parameter[float64]
	noiseStd  *daqcore.Parameter[float64]
	phase     *daqcore.Parameter[float64]
	params    *daqcore.ParameterSet
}

// NewDetector constructs a Detector reporting in unit.
func NewDetector(id, name, unit string) *Detector {
	d := &Detector{id: id, name: name, unit: unit}
	set := daqcore.NewParameterSet()
	d.amplitude = daqcore.NewParameter[float64](id, "amplitude", 1.0)
	d.noiseStd = daqcore.NewParameter[float64](id, "noise_std", 0.02)
	d.phase = daqcore.NewParameter[float64](id, "phase_rad", 0.0)
	daqcore.Add(set, d.amplitude)
	daqcore.Add(set, d.noiseStd)
	daqcore.Add(set, d.phase)
	d.params = set
	return d
}

func (d *Detector) ID() string         { return d.id }
func (d *Detector) Name() string       { return d.name }
func (d *Detector) DriverType() string { return "sim.detector" }
func (d *Detector) Parameters() *daqcore.ParameterSet { return d.params }

// Read returns one fresh noisy sample, always a new acquisition as
// Readable's contract requires (no caching).
func (d *Detector) Read(ctx context.Context) (float64, string, error) {
	var value float64
	err := connWithBackoff(ctx, d.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "detector %s: transient ADC fault", d.id).WithDevice(d.id)
		}
		amp := d.amplitude.Get()
		phase := d.phase.Get()
		noise := rand.NormFloat64() * d.noiseStd.Get()
		value = amp*math.Sin(phase) + noise
		_ = d.phase.Set(ctx, phase+0.1, daqcore.OriginHardware)
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return value, d.unit, nil
}
