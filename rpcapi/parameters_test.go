package rpcapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore"
)

type paramDevice struct {
	id   string
	set  *daqcore.ParameterSet
}

func (d *paramDevice) ID() string                        { return d.id }
func (d *paramDevice) Name() string                      { return d.id }
func (d *paramDevice) DriverType() string                { return "fake_parameterized" }
func (d *paramDevice) Parameters() *daqcore.ParameterSet  { return d.set }

func newParamDevice(id string) *paramDevice {
	set := daqcore.NewParameterSet()
	daqcore.Add(set, daqcore.NewParameter(id, "gain", 1.0))
	return &paramDevice{id: id, set: set}
}

func TestParametersServiceListGetSet(t *testing.T) {
	registry := daqcore.NewRegistry()
	dev := newParamDevice("det1")
	require.NoError(t, registry.Register(dev))

	svc := NewParametersService(registry)

	var listReply ListReply
	require.NoError(t, svc.List(&ListArgs{DeviceID: "det1"}, &listReply))
	require.Equal(t, []string{"gain"}, listReply.Names)

	var getReply GetReply
	require.NoError(t, svc.Get(&GetArgs{DeviceID: "det1", Name: "gain"}, &getReply))
	require.Equal(t, 1.0, getReply.Value)

	var setReply bool
	require.NoError(t, svc.Set(&SetArgs{DeviceID: "det1", Name: "gain", Value: 2.0}, &setReply))
	require.True(t, setReply)

	require.NoError(t, svc.Get(&GetArgs{DeviceID: "det1", Name: "gain"}, &getReply))
	require.Equal(t, 2.0, getReply.Value)
}

func TestParametersServiceUnknownDeviceIsNotFound(t *testing.T) {
	registry := daqcore.NewRegistry()
	svc := NewParametersService(registry)

	var reply ListReply
	err := svc.List(&ListArgs{DeviceID: "ghost"}, &reply)
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindNotFound, daqErr.Kind)
}

func TestParametersServiceSetWrongTypeIsValidationError(t *testing.T) {
	registry := daqcore.NewRegistry()
	require.NoError(t, registry.Register(newParamDevice("det1")))
	svc := NewParametersService(registry)

	var reply bool
	err := svc.Set(&SetArgs{DeviceID: "det1", Name: "gain", Value: "not-a-number"}, &reply)
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindValidationError, daqErr.Kind)
}
