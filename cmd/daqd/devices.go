package main

import (
	"fmt"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/daqcfg"
	"github.com/usnistgov/daqcore/internal/simdrivers"
)

// buildRegistry instantiates one simulated driver per entry in cfg.Devices
// and registers it, failing closed on the first device that can't be
// built (the daemon exits with code 2 on that path).
func buildRegistry(cfg []daqcfg.DeviceConfig) (*daqcore.Registry, error) {
	registry := daqcore.NewRegistry()
	for _, dc := range cfg {
		dev, err := buildDevice(dc)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.ID, err)
		}
		if err := registry.Register(dev); err != nil {
			return nil, fmt.Errorf("device %s: register: %w", dc.ID, err)
		}
	}
	return registry, nil
}

func buildDevice(dc daqcfg.DeviceConfig) (daqcore.Device, error) {
	switch dc.DriverType {
	case "sim.stage":
		min := floatParam(dc.Params, "min", 0)
		max := floatParam(dc.Params, "max", 100)
		return simdrivers.NewStage(dc.ID, dc.Name, min, max), nil
	case "sim.detector":
		unit := stringParam(dc.Params, "unit", "V")
		return simdrivers.NewDetector(dc.ID, dc.Name, unit), nil
	case "sim.camera":
		width := intParam(dc.Params, "width", 256)
		height := intParam(dc.Params, "height", 256)
		return simdrivers.NewCamera(dc.ID, dc.Name, width, height), nil
	case "sim.laser":
		minNm := floatParam(dc.Params, "min_nm", 400)
		maxNm := floatParam(dc.Params, "max_nm", 700)
		return simdrivers.NewLaser(dc.ID, dc.Name, minNm, maxNm), nil
	case "sim.shutter":
		return simdrivers.NewShutter(dc.ID, dc.Name), nil
	default:
		return nil, fmt.Errorf("unknown driver_type %q", dc.DriverType)
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}
