package simdrivers

import (
	"context"
	"sync"
	"time"

	"github.com/usnistgov/daqcore"
)

// Camera is a simulated 2-D frame source: Triggerable + ExposureControl +
// FrameProducer + Parameterized. StartStream opens the frame channel;
// Arm/Trigger follow the same two-phase protocol as a real detector
// (Trigger before Arm is rejected), and each successful Trigger waits for
// the configured exposure, then pushes one synthetic frame sized by
// Resolution and filled with a fixed pattern offset by the frame number.
type Camera struct {
	id, name      string
	width, height int

	mu      sync.Mutex
	armed   bool
	out     chan<- daqcore.Frame
	frameNo int64

	params    *daqcore.ParameterSet
	exposure  *daqcore.Parameter[float64]
}

// NewCamera constructs a Camera with the given pixel resolution.
func NewCamera(id, name string, width, height int) *Camera {
	c := &Camera{id: id, name: name, width: width, height: height}
	set := daqcore.NewParameterSet()
	c.exposure = daqcore.NewParameter[float64](id, "exposure_seconds", 0.1)
	c.exposure.RegisterValidator(func(v float64) error {
		if v <= 0 {
			return daqcore.ValidationError("exposure_seconds must be positive, got %v", v)
		}
		return nil
	})
	daqcore.Add(set, c.exposure)
	c.params = set
	return c
}

func (c *Camera) ID() string         { return c.id }
func (c *Camera) Name() string       { return c.name }
func (c *Camera) DriverType() string { return "sim.camera" }
func (c *Camera) Parameters() *daqcore.ParameterSet { return c.params }

// Resolution reports the camera's fixed pixel dimensions.
func (c *Camera) Resolution() (int, int) { return c.width, c.height }

// ExposureSeconds returns the currently configured integration time.
func (c *Camera) ExposureSeconds(ctx context.Context) (float64, error) {
	return c.exposure.Get(), nil
}

// SetExposureSeconds updates the integration time, subject to validation.
func (c *Camera) SetExposureSeconds(ctx context.Context, seconds float64) error {
	return c.exposure.Set(ctx, seconds, daqcore.OriginSoftware)
}

// StartStream records the frame sink Trigger will deliver into. Idempotent:
// calling it again simply rebinds the sink.
func (c *Camera) StartStream(ctx context.Context, frames chan<- daqcore.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = frames
	return nil
}

// StopStream detaches the frame sink. Idempotent.
func (c *Camera) StopStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = nil
	return nil
}

// Arm prepares the camera to accept one Trigger call.
func (c *Camera) Arm(ctx context.Context) error {
	return connWithBackoff(ctx, c.id, func() error {
		if simulatedFault() {
			return daqcore.HardwareError(nil, "camera %s: transient sensor fault during arm", c.id).WithDevice(c.id)
		}
		c.mu.Lock()
		c.armed = true
		c.mu.Unlock()
		return nil
	})
}

// Trigger fires one exposure, simulating an exposure-proportional delay
// before delivering a synthetic frame to whatever sink StartStream bound.
// Rejected if the camera is not armed; each Trigger consumes the arm, so
// the next Trigger needs a new Arm.
func (c *Camera) Trigger(ctx context.Context) error {
	c.mu.Lock()
	armed := c.armed
	out := c.out
	c.mu.Unlock()
	if !armed {
		return daqcore.StateError("camera %s: trigger requires arm first", c.id).WithDevice(c.id)
	}

	exposure := c.exposure.Get()
	select {
	case <-time.After(time.Duration(exposure * float64(time.Second))):
	case <-ctx.Done():
		return daqcore.Cancelled("camera %s: trigger: %v", c.id, ctx.Err())
	}

	c.mu.Lock()
	c.armed = false
	c.frameNo++
	frameNo := c.frameNo
	c.mu.Unlock()

	if out == nil {
		return nil
	}
	frame := daqcore.Frame{
		Ptr:         make([]byte, c.width*c.height),
		Width:       c.width,
		Height:      c.height,
		RowStride:   c.width,
		PixelFormat: "gray8",
		TimestampNs: frameNo, // monotonically increasing stand-in, not wall time
	}
	for i := range frame.Ptr {
		frame.Ptr[i] = byte(i%8) + byte(frameNo%8)
	}
	select {
	case out <- frame:
	case <-ctx.Done():
		return daqcore.Cancelled("camera %s: trigger: frame delivery: %v", c.id, ctx.Err())
	}
	return nil
}
