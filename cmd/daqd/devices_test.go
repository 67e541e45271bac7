package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore/daqcfg"
	"github.com/usnistgov/daqcore/internal/simdrivers"
)

func TestBuildDeviceConstructsEachDriverType(t *testing.T) {
	cases := []struct {
		driverType string
		params     map[string]any
		wantType   any
	}{
		{"sim.stage", map[string]any{"min": 0.0, "max": 10.0}, &simdrivers.Stage{}},
		{"sim.detector", map[string]any{"unit": "V"}, &simdrivers.Detector{}},
		{"sim.camera", map[string]any{"width": 128, "height": 128}, &simdrivers.Camera{}},
		{"sim.laser", map[string]any{"min_nm": 400.0, "max_nm": 700.0}, &simdrivers.Laser{}},
		{"sim.shutter", map[string]any{}, &simdrivers.Shutter{}},
	}
	for _, c := range cases {
		dev, err := buildDevice(daqcfg.DeviceConfig{ID: "dev1", Name: "Dev", DriverType: c.driverType, Params: c.params})
		require.NoError(t, err, c.driverType)
		require.IsType(t, c.wantType, dev, c.driverType)
	}
}

func TestBuildDeviceUnknownDriverTypeFails(t *testing.T) {
	_, err := buildDevice(daqcfg.DeviceConfig{ID: "dev1", DriverType: "sim.nonexistent"})
	require.Error(t, err)
}

func TestBuildRegistryFailsClosedOnFirstBadDevice(t *testing.T) {
	_, err := buildRegistry([]daqcfg.DeviceConfig{
		{ID: "axis1", DriverType: "sim.stage", Params: map[string]any{"min": 0.0, "max": 10.0}},
		{ID: "bogus", DriverType: "does.not.exist"},
	})
	require.Error(t, err)
}

func TestBuildRegistryRejectsDuplicateIDs(t *testing.T) {
	_, err := buildRegistry([]daqcfg.DeviceConfig{
		{ID: "axis1", DriverType: "sim.stage", Params: map[string]any{"min": 0.0, "max": 10.0}},
		{ID: "axis1", DriverType: "sim.shutter"},
	})
	require.Error(t, err)
}

func TestFloatParamFallsBackToDefaultOnWrongType(t *testing.T) {
	require.Equal(t, 5.0, floatParam(map[string]any{"x": "not-a-number"}, "x", 5.0))
	require.Equal(t, 3.0, floatParam(map[string]any{"x": 3}, "x", 0))
	require.Equal(t, 2.5, floatParam(map[string]any{"x": 2.5}, "x", 0))
}

func TestIntParamFallsBackToDefaultOnWrongType(t *testing.T) {
	require.Equal(t, 7, intParam(map[string]any{"x": "nope"}, "x", 7))
	require.Equal(t, 4, intParam(map[string]any{"x": 4.0}, "x", 0))
}

func TestStringParamFallsBackToDefaultOnWrongType(t *testing.T) {
	require.Equal(t, "fallback", stringParam(map[string]any{"x": 3}, "x", "fallback"))
	require.Equal(t, "value", stringParam(map[string]any{"x": "value"}, "x", "fallback"))
}
