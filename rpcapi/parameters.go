package rpcapi

import (
	"context"

	"github.com/usnistgov/daqcore"
)

// ParametersService is the JSON-RPC object registered under "Parameters".
type ParametersService struct {
	registry *daqcore.Registry
}

// NewParametersService wraps registry for RPC dispatch.
func NewParametersService(registry *daqcore.Registry) *ParametersService {
	return &ParametersService{registry: registry}
}

func (p *ParametersService) paramSet(deviceID string) (*daqcore.ParameterSet, error) {
	pz, ok := p.registry.GetParameterized(deviceID)
	if !ok {
		return nil, daqcore.NotFound("device %q does not implement Parameterized", deviceID).WithDevice(deviceID)
	}
	return pz.Parameters(), nil
}

// ListArgs names the device whose parameter names are wanted.
type ListArgs struct {
	DeviceID string
}

// ListReply carries a device's parameter names in insertion order.
type ListReply struct {
	Names []string
}

// List enumerates deviceID's parameter names.
func (p *ParametersService) List(args *ListArgs, reply *ListReply) error {
	set, err := p.paramSet(args.DeviceID)
	if err != nil {
		return err
	}
	reply.Names = set.Names()
	return nil
}

// GetArgs names one parameter on one device.
type GetArgs struct {
	DeviceID string
	Name     string
}

// GetReply carries a parameter's current value, type-erased for the wire.
type GetReply struct {
	Value any
}

// Get reads a named parameter's current value.
func (p *ParametersService) Get(args *GetArgs, reply *GetReply) error {
	set, err := p.paramSet(args.DeviceID)
	if err != nil {
		return err
	}
	v, ok := set.Value(args.Name)
	if !ok {
		return daqcore.NotFound("device %q has no parameter %q", args.DeviceID, args.Name).WithDevice(args.DeviceID).WithParameter(args.Name)
	}
	reply.Value = v
	return nil
}

// SetArgs carries a new value for a named parameter. Value arrives off
// the wire as whatever encoding/json decoded a JSON number into
// (float64), so a write to a Parameter[int]-typed parameter through this
// path fails with ValidationError (wrong type); drivers that need an
// integer parameter exposed over RPC should register it as
// Parameter[float64] and round internally.
type SetArgs struct {
	DeviceID string
	Name     string
	Value    any
}

// Set writes a named parameter, running its validator and, if a hardware
// writer is registered, the hardware round trip: synchronous from the
// caller's perspective, since a software-origin write only commits once
// the device has accepted it.
func (p *ParametersService) Set(args *SetArgs, reply *bool) error {
	set, err := p.paramSet(args.DeviceID)
	if err != nil {
		return err
	}
	if err := set.SetValue(context.Background(), args.Name, args.Value, daqcore.OriginSoftware); err != nil {
		return err
	}
	*reply = true
	return nil
}
