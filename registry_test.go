package daqcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubDevice implements Device plus whatever capability interfaces a test
// needs, via embedding specific capability stubs below.
type stubDevice struct {
	id, name, driver string
}

func (d *stubDevice) ID() string         { return d.id }
func (d *stubDevice) Name() string       { return d.name }
func (d *stubDevice) DriverType() string { return d.driver }

type stubMovable struct {
	*stubDevice
	min, max float64
}

func (m *stubMovable) MoveAbs(ctx context.Context, pos float64) error { return nil }
func (m *stubMovable) MoveRel(ctx context.Context, delta float64) error { return nil }
func (m *stubMovable) Position(ctx context.Context) (float64, error)  { return 0, nil }
func (m *stubMovable) SoftLimits() (float64, float64)                  { return m.min, m.max }
func (m *stubMovable) WaitSettled(ctx context.Context) error            { return nil }

type stubReadable struct {
	*stubDevice
}

func (r *stubReadable) Read(ctx context.Context) (float64, string, error) { return 42, "V", nil }

func TestRegistryRegisterAndCapabilityLookup(t *testing.T) {
	r := NewRegistry()
	axis := &stubMovable{stubDevice: &stubDevice{id: "axis1", name: "Sample Stage", driver: "fake_axis"}, min: -5, max: 5}
	require.NoError(t, r.Register(axis))

	got, ok := r.GetMovable("axis1")
	require.True(t, ok)
	require.Same(t, axis, got)

	_, ok = r.GetReadable("axis1")
	require.False(t, ok, "a device with no Readable implementation must report ok=false")

	_, ok = r.GetMovable("nonexistent")
	require.False(t, ok)
}

func TestRegistryDuplicateIDFails(t *testing.T) {
	r := NewRegistry()
	dev1 := &stubDevice{id: "det1", name: "Detector", driver: "fake_detector"}
	require.NoError(t, r.Register(&stubReadable{stubDevice: dev1}))

	dev2 := &stubDevice{id: "det1", name: "Another Detector", driver: "fake_detector"}
	err := r.Register(&stubReadable{stubDevice: dev2})
	require.Error(t, err)
	var daqErr *Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, KindValidationError, daqErr.Kind)
}

func TestRegistryListSortedByID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubReadable{stubDevice: &stubDevice{id: "zzz", name: "Z", driver: "fake"}}))
	require.NoError(t, r.Register(&stubReadable{stubDevice: &stubDevice{id: "aaa", name: "A", driver: "fake"}}))

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "aaa", list[0].ID)
	require.Equal(t, "zzz", list[1].ID)
}

func TestRegistryFilterByCapability(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubMovable{stubDevice: &stubDevice{id: "axis1", name: "Axis", driver: "fake"}, min: -1, max: 1}))
	require.NoError(t, r.Register(&stubReadable{stubDevice: &stubDevice{id: "det1", name: "Det", driver: "fake"}}))

	movables := r.FilterByCapability(TagMovable)
	require.Equal(t, []string{"axis1"}, movables)

	readables := r.FilterByCapability(TagReadable)
	require.Equal(t, []string{"det1"}, readables)
}

func TestRegistryDeregisterBlockedWhileRunInProgress(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubReadable{stubDevice: &stubDevice{id: "det1", name: "Det", driver: "fake"}}))

	r.SetRunInProgress(true)
	err := r.Deregister("det1")
	require.Error(t, err)
	var daqErr *Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, KindStateError, daqErr.Kind)

	r.SetRunInProgress(false)
	require.NoError(t, r.Deregister("det1"))

	_, ok := r.GetReadable("det1")
	require.False(t, ok)
}

func TestRegistryDeregisterUnknownDevice(t *testing.T) {
	r := NewRegistry()
	err := r.Deregister("ghost")
	require.Error(t, err)
	var daqErr *Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, KindNotFound, daqErr.Kind)
}

func TestRegistryDescriptorCapabilities(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubMovable{stubDevice: &stubDevice{id: "axis1", name: "Axis", driver: "fake"}, min: -1, max: 1}))

	desc, err := r.Descriptor("axis1")
	require.NoError(t, err)
	require.Equal(t, "axis1", desc.ID)
	require.Contains(t, desc.Capabilities, TagMovable)
	require.NotContains(t, desc.Capabilities, TagReadable)
}
