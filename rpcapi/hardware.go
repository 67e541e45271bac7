// Package rpcapi exposes the daemon's capabilities over the wire: a
// net/rpc + JSON-RPC request/response surface for commands, plus a chi +
// gorilla/websocket surface for the bidirectional streaming operations a
// single-codec-per-connection RPC server has no good story for.
package rpcapi

import (
	"context"

	"github.com/usnistgov/daqcore"
)

// HardwareService is the JSON-RPC object registered under the name
// "Hardware". Every method follows net/rpc's (*args, *reply) error
// convention.
type HardwareService struct {
	registry *daqcore.Registry
}

// NewHardwareService wraps registry for RPC dispatch.
func NewHardwareService(registry *daqcore.Registry) *HardwareService {
	return &HardwareService{registry: registry}
}

// ListDevicesReply carries every registered device's descriptor.
type ListDevicesReply struct {
	Devices []daqcore.DeviceDescriptor
}

// ListDevices enumerates the registry.
func (h *HardwareService) ListDevices(_ *struct{}, reply *ListDevicesReply) error {
	reply.Devices = h.registry.List()
	return nil
}

// DescribeArgs names the device to describe.
type DescribeArgs struct {
	DeviceID string
}

// DescribeReply carries one device's descriptor.
type DescribeReply struct {
	Descriptor daqcore.DeviceDescriptor
}

// Describe returns one device's descriptor, or NotFound.
func (h *HardwareService) Describe(args *DescribeArgs, reply *DescribeReply) error {
	d, err := h.registry.Descriptor(args.DeviceID)
	if err != nil {
		return err
	}
	reply.Descriptor = d
	return nil
}

// MoveToArgs issues an absolute move outside of a run, for manual jogging.
type MoveToArgs struct {
	DeviceID string
	Position float64
}

// MoveTo moves deviceID to Position and blocks until settled.
func (h *HardwareService) MoveTo(args *MoveToArgs, reply *bool) error {
	m, ok := h.registry.GetMovable(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement Movable", args.DeviceID).WithDevice(args.DeviceID)
	}
	if min, max := m.SoftLimits(); args.Position < min || args.Position > max {
		return daqcore.ValidationError("OutOfRange: %v exceeds soft limits [%v, %v]", args.Position, min, max).WithDevice(args.DeviceID)
	}
	ctx := context.Background()
	if err := m.MoveAbs(ctx, args.Position); err != nil {
		return err
	}
	if err := m.WaitSettled(ctx); err != nil {
		return err
	}
	*reply = true
	return nil
}

// GetPositionArgs names the axis whose position is wanted.
type GetPositionArgs struct {
	DeviceID string
}

// GetPositionReply carries the axis's current position.
type GetPositionReply struct {
	Position float64
}

// GetPosition reads a Movable's current position without commanding it.
func (h *HardwareService) GetPosition(args *GetPositionArgs, reply *GetPositionReply) error {
	m, ok := h.registry.GetMovable(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement Movable", args.DeviceID).WithDevice(args.DeviceID)
	}
	pos, err := m.Position(context.Background())
	if err != nil {
		return err
	}
	reply.Position = pos
	return nil
}

// GetDeviceStateArgs names the device whose parameter values are wanted.
type GetDeviceStateArgs struct {
	DeviceID string
}

// GetDeviceStateReply carries every current parameter value, keyed by name.
type GetDeviceStateReply struct {
	Values map[string]any
}

// GetDeviceState snapshots a Parameterized device's current parameter
// values in one call, the request/response counterpart of the streaming
// /ws/devices/{id}/state route.
func (h *HardwareService) GetDeviceState(args *GetDeviceStateArgs, reply *GetDeviceStateReply) error {
	pz, ok := h.registry.GetParameterized(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement Parameterized", args.DeviceID).WithDevice(args.DeviceID)
	}
	set := pz.Parameters()
	values := make(map[string]any)
	for _, name := range set.Names() {
		if v, ok := set.Value(name); ok {
			values[name] = v
		}
	}
	reply.Values = values
	return nil
}

// ReadArgs names the readable device to sample.
type ReadArgs struct {
	DeviceID string
}

// ReadReply carries one fresh scalar reading.
type ReadReply struct {
	Value float64
	Unit  string
}

// Read takes one fresh reading outside of a run.
func (h *HardwareService) Read(args *ReadArgs, reply *ReadReply) error {
	r, ok := h.registry.GetReadable(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement Readable", args.DeviceID).WithDevice(args.DeviceID)
	}
	v, unit, err := r.Read(context.Background())
	if err != nil {
		return err
	}
	reply.Value, reply.Unit = v, unit
	return nil
}

// ShutterArgs names the shutter device for Open/Close/IsOpen.
type ShutterArgs struct {
	DeviceID string
}

// ShutterReply carries the shutter's open/closed state.
type ShutterReply struct {
	Open bool
}

// OpenShutter opens deviceID's shutter.
func (h *HardwareService) OpenShutter(args *ShutterArgs, reply *bool) error {
	s, ok := h.registry.GetShutterControl(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement ShutterControl", args.DeviceID).WithDevice(args.DeviceID)
	}
	if err := s.Open(context.Background()); err != nil {
		return err
	}
	*reply = true
	return nil
}

// CloseShutter closes deviceID's shutter.
func (h *HardwareService) CloseShutter(args *ShutterArgs, reply *bool) error {
	s, ok := h.registry.GetShutterControl(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement ShutterControl", args.DeviceID).WithDevice(args.DeviceID)
	}
	if err := s.Close(context.Background()); err != nil {
		return err
	}
	*reply = true
	return nil
}

// IsShutterOpen reports whether deviceID's shutter is currently open.
func (h *HardwareService) IsShutterOpen(args *ShutterArgs, reply *ShutterReply) error {
	s, ok := h.registry.GetShutterControl(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement ShutterControl", args.DeviceID).WithDevice(args.DeviceID)
	}
	open, err := s.IsOpen(context.Background())
	if err != nil {
		return err
	}
	reply.Open = open
	return nil
}

// SetEmissionArgs toggles a laser's emission.
type SetEmissionArgs struct {
	DeviceID string
	On       bool
}

// SetEmission enables or disables deviceID's emission.
func (h *HardwareService) SetEmission(args *SetEmissionArgs, reply *bool) error {
	em, ok := h.registry.GetEmissionControl(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement EmissionControl", args.DeviceID).WithDevice(args.DeviceID)
	}
	if err := em.SetEmission(context.Background(), args.On); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SetWavelengthArgs tunes a laser's wavelength.
type SetWavelengthArgs struct {
	DeviceID string
	Nm       float64
}

// SetWavelength sets deviceID's wavelength within its advertised range.
func (h *HardwareService) SetWavelength(args *SetWavelengthArgs, reply *bool) error {
	w, ok := h.registry.GetWavelengthTunable(args.DeviceID)
	if !ok {
		return daqcore.NotFound("device %q does not implement WavelengthTunable", args.DeviceID).WithDevice(args.DeviceID)
	}
	if min, max := w.WavelengthRange(); args.Nm < min || args.Nm > max {
		return daqcore.ValidationError("OutOfRange: %v nm exceeds wavelength range [%v, %v]", args.Nm, min, max).WithDevice(args.DeviceID)
	}
	if err := w.SetWavelength(context.Background(), args.Nm); err != nil {
		return err
	}
	*reply = true
	return nil
}
