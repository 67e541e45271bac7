package daqcore

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MeasurementKind tags which variant of Measurement a record holds.
type MeasurementKind string

const (
	MeasurementScalar   MeasurementKind = "scalar"
	MeasurementSpectrum MeasurementKind = "spectrum"
	MeasurementImage    MeasurementKind = "image"
)

// SpectrumBin is one (frequency, magnitude) sample of a Spectrum measurement.
type SpectrumBin struct {
	Frequency float64
	Magnitude float64
}

// Measurement is the self-describing record written to the ring buffer.
// Exactly one of the *Data fields is populated, selected by Kind.
type Measurement struct {
	Kind        MeasurementKind
	TimestampNs int64
	Channel     string
	Unit        string

	ScalarValue float64

	SpectrumBins []SpectrumBin

	ImageWidth       int
	ImageHeight      int
	ImagePixelFormat string
	ImagePayload     []byte
}

// NewScalarMeasurement builds a Scalar-variant Measurement.
func NewScalarMeasurement(channel string, timestampNs int64, value float64, unit string) Measurement {
	return Measurement{Kind: MeasurementScalar, TimestampNs: timestampNs, Channel: channel, Unit: unit, ScalarValue: value}
}

// NewSpectrumMeasurement builds a Spectrum-variant Measurement.
func NewSpectrumMeasurement(channel string, timestampNs int64, bins []SpectrumBin, unit string) Measurement {
	return Measurement{Kind: MeasurementSpectrum, TimestampNs: timestampNs, Channel: channel, Unit: unit, SpectrumBins: bins}
}

// NewImageMeasurement builds an Image-variant Measurement from a captured Frame.
func NewImageMeasurement(channel string, f Frame) Measurement {
	return Measurement{
		Kind: MeasurementImage, TimestampNs: f.TimestampNs, Channel: channel,
		ImageWidth: f.Width, ImageHeight: f.Height, ImagePixelFormat: f.PixelFormat, ImagePayload: f.Ptr,
	}
}

// SpectrumStats summarizes a Spectrum measurement's magnitudes: the peak
// bin (by magnitude) and the mean and standard deviation across all bins.
type SpectrumStats struct {
	PeakFrequency float64
	PeakMagnitude float64
	MeanMagnitude float64
	StdDev        float64
}

// ComputeSpectrumStats reduces a Spectrum measurement's bins to summary
// statistics using gonum/stat and gonum/floats.
func ComputeSpectrumStats(m Measurement) SpectrumStats {
	if m.Kind != MeasurementSpectrum || len(m.SpectrumBins) == 0 {
		return SpectrumStats{}
	}
	mags := make([]float64, len(m.SpectrumBins))
	for i, b := range m.SpectrumBins {
		mags[i] = b.Magnitude
	}
	peakIdx := floats.MaxIdx(mags)
	mean, std := stat.MeanStdDev(mags, nil)
	return SpectrumStats{
		PeakFrequency: m.SpectrumBins[peakIdx].Frequency,
		PeakMagnitude: m.SpectrumBins[peakIdx].Magnitude,
		MeanMagnitude: mean,
		StdDev:        std,
	}
}
