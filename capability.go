package daqcore

import (
	"context"
	"time"
)

// CapabilityTag names one of the closed set of capabilities a device may
// implement.
type CapabilityTag string

const (
	TagMovable          CapabilityTag = "movable"
	TagReadable         CapabilityTag = "readable"
	TagTriggerable      CapabilityTag = "triggerable"
	TagExposureControl  CapabilityTag = "exposure_control"
	TagFrameProducer    CapabilityTag = "frame_producer"
	TagShutterControl   CapabilityTag = "shutter_control"
	TagEmissionControl  CapabilityTag = "emission_control"
	TagWavelengthTunable CapabilityTag = "wavelength_tunable"
	TagParameterized    CapabilityTag = "parameterized"
)

// Movable is absolute/relative position control over one logical axis.
type Movable interface {
	MoveAbs(ctx context.Context, pos float64) error
	MoveRel(ctx context.Context, delta float64) error
	Position(ctx context.Context) (float64, error)
	SoftLimits() (min, max float64)
	WaitSettled(ctx context.Context) error
}

// Readable yields a single fresh scalar reading with unit metadata. No
// caching guarantee: each call to Read performs a fresh acquisition.
type Readable interface {
	Read(ctx context.Context) (value float64, unit string, err error)
}

// Triggerable exposes the two-phase arm/trigger acquisition protocol.
// Trigger called before Arm fails with a NotArmed-flavored StateError.
type Triggerable interface {
	Arm(ctx context.Context) error
	Trigger(ctx context.Context) error
}

// ExposureControl gets/sets integration time in seconds.
type ExposureControl interface {
	ExposureSeconds(ctx context.Context) (float64, error)
	SetExposureSeconds(ctx context.Context, seconds float64) error
}

// Frame is an opaque reference to one 2-D camera frame.
type Frame struct {
	Ptr        []byte // raw pixel bytes; treated as opaque by drivers
	Width      int
	Height     int
	RowStride  int
	PixelFormat string
	TimestampNs int64
}

// FrameProducer starts/stops a frame stream and advertises resolution.
// StartStream and StopStream are both idempotent.
type FrameProducer interface {
	Resolution() (width, height int)
	StartStream(ctx context.Context, frames chan<- Frame) error
	StopStream(ctx context.Context) error
}

// ShutterControl opens/closes/queries a beam shutter. Open and Close are
// both idempotent.
type ShutterControl interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	IsOpen(ctx context.Context) (bool, error)
}

// EmissionControl enables/disables a laser source's emission.
type EmissionControl interface {
	SetEmission(ctx context.Context, on bool) error
	Emitting(ctx context.Context) (bool, error)
}

// WavelengthTunable gets/sets wavelength in nm, within device-advertised bounds.
type WavelengthTunable interface {
	Wavelength(ctx context.Context) (float64, error)
	SetWavelength(ctx context.Context, nm float64) error
	WavelengthRange() (minNm, maxNm float64)
}

// Parameterized exposes a device's ParameterSet for reactive observation.
type Parameterized interface {
	Parameters() *ParameterSet
}

// Device is the identity and metadata every registered device carries,
// independent of which capabilities it implements.
type Device interface {
	ID() string
	Name() string
	DriverType() string
}

// DeviceDescriptor is the enumerable, serializable summary of a device
// returned by Registry.List and the Hardware.ListDevices RPC.
type DeviceDescriptor struct {
	ID           string
	Name         string
	DriverType   string
	Capabilities []CapabilityTag
}

// defaultOperationTimeout is the nominal per-operation timeout for a
// caller's context that carries no deadline. Real transports sit in the
// 2-15s band; the simulation sits at the low end. Nothing in the module
// references it: the simulated drivers bound their retries with
// connWithBackoff's own elapsed-time limit.
const defaultOperationTimeout = 5 * time.Second
