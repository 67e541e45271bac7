package rpcapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore"
)

type runEngineDetector struct {
	id    string
	value float64
}

func (d *runEngineDetector) ID() string         { return d.id }
func (d *runEngineDetector) Name() string       { return d.id }
func (d *runEngineDetector) DriverType() string { return "fake_detector" }
func (d *runEngineDetector) Read(ctx context.Context) (float64, string, error) {
	return d.value, "V", nil
}

func TestRunEngineServiceQueueRunAndState(t *testing.T) {
	registry := daqcore.NewRegistry()
	require.NoError(t, registry.Register(&runEngineDetector{id: "det1", value: 3}))
	engine := daqcore.NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	plans := map[string]daqcore.Plan{"count1": daqcore.Count("det1", 1)}
	svc := NewRunEngineService(engine, plans)

	var listPlansReply ListPlansReply
	require.NoError(t, svc.ListPlans(nil, &listPlansReply))
	require.Equal(t, []string{"count1"}, listPlansReply.Names)

	var queueReply QueueReply
	require.NoError(t, svc.Queue(&QueueArgs{PlanName: "count1"}, &queueReply))
	require.NotEmpty(t, queueReply.RunUID)

	var runReply bool
	require.NoError(t, svc.Run(&RunUIDArgs{RunUID: queueReply.RunUID}, &runReply))
	require.True(t, runReply)

	deadline := time.After(time.Second)
	for {
		select {
		case d := <-docs:
			if d.Kind == daqcore.DocStop {
				require.Equal(t, daqcore.ExitSuccess, d.ExitStatus)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
		}
	}
}

func TestRunEngineServiceQueueParameterizedPlanSpec(t *testing.T) {
	registry := daqcore.NewRegistry()
	require.NoError(t, registry.Register(&runEngineDetector{id: "det1", value: 3}))
	engine := daqcore.NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	defer cancel()

	svc := NewRunEngineService(engine, nil)

	var queueReply QueueReply
	require.NoError(t, svc.Queue(&QueueArgs{
		PlanType: "Count",
		Args:     map[string]any{"detector": "det1", "n": 2.0},
	}, &queueReply))
	require.NotEmpty(t, queueReply.RunUID)

	var runReply bool
	require.NoError(t, svc.Run(&RunUIDArgs{RunUID: queueReply.RunUID}, &runReply))

	events := 0
	deadline := time.After(time.Second)
	for {
		select {
		case d := <-docs:
			if d.Kind == daqcore.DocEvent {
				events++
			}
			if d.Kind == daqcore.DocStop {
				require.Equal(t, daqcore.ExitSuccess, d.ExitStatus)
				require.Equal(t, 2, events)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for run to finish")
		}
	}
}

func TestRunEngineServiceQueueRejectsInvalidPlanSpec(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewRunEngineService(engine, nil)

	var reply QueueReply
	err := svc.Queue(&QueueArgs{
		PlanType: "LineScan",
		Args:     map[string]any{"axis": "axis1", "detector": "det1", "n_points": 0.0},
	}, &reply)
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindValidationError, daqErr.Kind)
	require.Empty(t, reply.RunUID)
	require.Equal(t, daqcore.StateIdle, engine.State())
}

func TestRunEngineServiceQueueUnknownPlanName(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewRunEngineService(engine, map[string]daqcore.Plan{})

	var reply QueueReply
	err := svc.Queue(&QueueArgs{PlanName: "nope"}, &reply)
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindNotFound, daqErr.Kind)
}

func TestRunEngineServiceGetState(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewRunEngineService(engine, nil)

	var reply GetStateReply
	require.NoError(t, svc.GetState(nil, &reply))
	require.Equal(t, daqcore.StateIdle, reply.State)
}
