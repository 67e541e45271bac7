package rpcapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore"
)

type fakeRingFill struct{ fill float64 }

func (f fakeRingFill) Fill() float64 { return f.fill }

func TestHealthServiceGetStatusWithRing(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewHealthService(engine, fakeRingFill{fill: 0.42})

	var reply GetStatusReply
	require.NoError(t, svc.GetStatus(nil, &reply))
	require.Equal(t, daqcore.StateIdle, reply.RunState)
	require.Equal(t, 0.42, reply.RingFill)
}

func TestHealthServiceGetDaemonInfo(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewHealthService(engine, nil)

	var reply GetDaemonInfoReply
	require.NoError(t, svc.GetDaemonInfo(nil, &reply))
	require.Equal(t, ProtocolVersion, reply.ProtocolVersion)
	require.Equal(t, uint32(1), reply.RingBufferVersion)
}

func TestHealthServiceGetStatusWithoutRing(t *testing.T) {
	registry := daqcore.NewRegistry()
	engine := daqcore.NewRunEngine(registry, nil, nil)
	svc := NewHealthService(engine, nil)

	var reply GetStatusReply
	require.NoError(t, svc.GetStatus(nil, &reply))
	require.Equal(t, daqcore.StateIdle, reply.RunState)
	require.Equal(t, 0.0, reply.RingFill)
}
