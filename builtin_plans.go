package daqcore

import (
	"context"
	"time"
)

// Count emits n readings from detector, one Event per reading, each
// followed by a Checkpoint so pause/resume can take effect between
// readings.
func Count(detector string, n int) Plan {
	return Plan{
		Name: "Count",
		Validate: func() error {
			if n < 0 {
				return ValidationError("Count: n must be >= 0, got %d", n)
			}
			return nil
		},
		Body: func(ctx context.Context, e Emitter) error {
			descUID, err := e.CreateDescriptor(ctx, "primary", []DataKey{{Name: detector, Dtype: "f64", Source: detector}})
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				v, err := e.Read(ctx, detector)
				if err != nil {
					return err
				}
				if err := e.EmitEvent(ctx, descUID, map[string]any{detector: v}); err != nil {
					return err
				}
				if err := e.Checkpoint(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// LineScan moves axis through n_points evenly spaced points between start
// and stop inclusive, reading detector at each point. n_points == 0 is
// rejected at queue time with ValidationError; n_points == 1 moves to
// start, reads once, and stops.
func LineScan(axis string, start, stop float64, nPoints int, detector string) Plan {
	return Plan{
		Name: "LineScan",
		Validate: func() error {
			if nPoints < 1 {
				return ValidationError("LineScan: n_points must be >= 1, got %d", nPoints)
			}
			return nil
		},
		Body: func(ctx context.Context, e Emitter) error {
			descUID, err := e.CreateDescriptor(ctx, "primary", []DataKey{
				{Name: detector, Dtype: "f64", Source: detector},
				{Name: axis, Dtype: "f64", Source: axis},
			})
			if err != nil {
				return err
			}
			step := 0.0
			if nPoints > 1 {
				step = (stop - start) / float64(nPoints-1)
			}
			for i := 0; i < nPoints; i++ {
				pos := start + float64(i)*step
				if err := e.MoveTo(ctx, axis, pos); err != nil {
					return err
				}
				v, err := e.Read(ctx, detector)
				if err != nil {
					return err
				}
				if err := e.EmitEvent(ctx, descUID, map[string]any{detector: v, axis: pos}); err != nil {
					return err
				}
				if err := e.Checkpoint(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// GridScan nests an inner LineScan within each point of an outer axis,
// producing a raster of (outer, inner) positions against detector.
func GridScan(axisOuter string, outerStart, outerStop float64, nOuter int,
	axisInner string, innerStart, innerStop float64, nInner int, detector string) Plan {
	return Plan{
		Name: "GridScan",
		Validate: func() error {
			if nOuter < 1 || nInner < 1 {
				return ValidationError("GridScan: n_points must be >= 1 on both axes, got outer=%d inner=%d", nOuter, nInner)
			}
			return nil
		},
		Body: func(ctx context.Context, e Emitter) error {
			descUID, err := e.CreateDescriptor(ctx, "primary", []DataKey{
				{Name: detector, Dtype: "f64", Source: detector},
				{Name: axisOuter, Dtype: "f64", Source: axisOuter},
				{Name: axisInner, Dtype: "f64", Source: axisInner},
			})
			if err != nil {
				return err
			}
			outerStep := 0.0
			if nOuter > 1 {
				outerStep = (outerStop - outerStart) / float64(nOuter-1)
			}
			innerStep := 0.0
			if nInner > 1 {
				innerStep = (innerStop - innerStart) / float64(nInner-1)
			}
			for i := 0; i < nOuter; i++ {
				outerPos := outerStart + float64(i)*outerStep
				if err := e.MoveTo(ctx, axisOuter, outerPos); err != nil {
					return err
				}
				for j := 0; j < nInner; j++ {
					innerPos := innerStart + float64(j)*innerStep
					if err := e.MoveTo(ctx, axisInner, innerPos); err != nil {
						return err
					}
					v, err := e.Read(ctx, detector)
					if err != nil {
						return err
					}
					data := map[string]any{detector: v, axisOuter: outerPos, axisInner: innerPos}
					if err := e.EmitEvent(ctx, descUID, data); err != nil {
						return err
					}
					if err := e.Checkpoint(ctx); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// TimeSeries samples detector n times, interval apart, emitting one Event
// per sample.
func TimeSeries(detector string, interval time.Duration, n int) Plan {
	return Plan{
		Name: "TimeSeries",
		Validate: func() error {
			if n < 1 {
				return ValidationError("TimeSeries: n must be >= 1, got %d", n)
			}
			return nil
		},
		Body: func(ctx context.Context, e Emitter) error {
			descUID, err := e.CreateDescriptor(ctx, "primary", []DataKey{{Name: detector, Dtype: "f64", Source: detector}})
			if err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				v, err := e.Read(ctx, detector)
				if err != nil {
					return err
				}
				if err := e.EmitEvent(ctx, descUID, map[string]any{detector: v}); err != nil {
					return err
				}
				if err := e.Checkpoint(ctx); err != nil {
					return err
				}
				if i < n-1 {
					if err := e.Wait(ctx, interval); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

// TriggeredAcquisition sets exposure, arms the camera once, then loops
// trigger nFrames times, emitting one Event per frame.
func TriggeredAcquisition(camera string, nFrames int, exposureSeconds float64) Plan {
	return Plan{
		Name: "TriggeredAcquisition",
		Validate: func() error {
			if nFrames < 1 {
				return ValidationError("TriggeredAcquisition: n_frames must be >= 1, got %d", nFrames)
			}
			return nil
		},
		Body: func(ctx context.Context, e Emitter) error {
			descUID, err := e.CreateDescriptor(ctx, "primary", []DataKey{{Name: "frame_index", Dtype: "i64", Source: camera}})
			if err != nil {
				return err
			}
			if err := setExposure(ctx, e, camera, exposureSeconds); err != nil {
				return err
			}
			if err := e.Arm(ctx, camera); err != nil {
				return err
			}
			for i := 0; i < nFrames; i++ {
				if err := e.Trigger(ctx, camera); err != nil {
					return err
				}
				if err := e.EmitEvent(ctx, descUID, map[string]any{"frame_index": int64(i)}); err != nil {
					return err
				}
				if err := e.Checkpoint(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// setExposure is a plan-internal helper; ExposureControl is not part of
// the Emitter vocabulary, so built-in plans that need it probe for the
// engine's SetExposure extension instead.
func setExposure(ctx context.Context, e Emitter, camera string, seconds float64) error {
	if setter, ok := e.(interface {
		SetExposure(ctx context.Context, deviceID string, seconds float64) error
	}); ok {
		return setter.SetExposure(ctx, camera, seconds)
	}
	return Internal(nil, "emitter does not support SetExposure")
}

// BuildPlan constructs one of the built-in plans by type name from a
// freeform argument map: the decoded form of a remote queue request's
// plan spec, a config file's plans section, or a script file's args
// block. Unknown keys are ignored; missing ones fall back to defaults
// the plan's own Validate then rejects.
func BuildPlan(planType string, args map[string]any) (Plan, error) {
	switch planType {
	case "Count":
		return Count(argString(args, "detector", ""), argInt(args, "n", 0)), nil
	case "LineScan":
		return LineScan(
			argString(args, "axis", ""),
			argFloat(args, "start", 0),
			argFloat(args, "stop", 0),
			argInt(args, "n_points", 0),
			argString(args, "detector", ""),
		), nil
	case "GridScan":
		return GridScan(
			argString(args, "axis_outer", ""),
			argFloat(args, "outer_start", 0),
			argFloat(args, "outer_stop", 0),
			argInt(args, "n_outer", 0),
			argString(args, "axis_inner", ""),
			argFloat(args, "inner_start", 0),
			argFloat(args, "inner_stop", 0),
			argInt(args, "n_inner", 0),
			argString(args, "detector", ""),
		), nil
	case "TimeSeries":
		interval := time.Duration(argFloat(args, "interval_seconds", 1) * float64(time.Second))
		return TimeSeries(argString(args, "detector", ""), interval, argInt(args, "n", 0)), nil
	case "TriggeredAcquisition":
		return TriggeredAcquisition(
			argString(args, "camera", ""),
			argInt(args, "n_frames", 0),
			argFloat(args, "exposure_seconds", 0.1),
		), nil
	default:
		return Plan{}, ValidationError("unknown plan type %q", planType)
	}
}

// The arg helpers tolerate both native Go numbers and the float64 that
// encoding/json produces for every JSON number.

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func argFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
