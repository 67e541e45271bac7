package rpcapi

import (
	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/ringbuf"
)

// RingFillSource is satisfied by ringbuf.RingBuffer and telemetry.RingFillSource.
type RingFillSource interface {
	Fill() float64
}

// HealthService is the JSON-RPC object registered under "Health".
type HealthService struct {
	engine *daqcore.RunEngine
	ring   RingFillSource
}

// NewHealthService wraps engine and an optional ring buffer (nil if none configured).
func NewHealthService(engine *daqcore.RunEngine, ring RingFillSource) *HealthService {
	return &HealthService{engine: engine, ring: ring}
}

// GetStatusReply summarizes daemon health for a monitoring client.
type GetStatusReply struct {
	RunState daqcore.State
	RingFill float64
}

// GetStatus reports a point-in-time health snapshot.
func (h *HealthService) GetStatus(_ *struct{}, reply *GetStatusReply) error {
	reply.RunState = h.engine.State()
	if h.ring != nil {
		reply.RingFill = h.ring.Fill()
	}
	return nil
}

// ProtocolVersion is bumped on any backward-incompatible change to the
// RPC surface; clients compare it before assuming message shapes.
const ProtocolVersion = 1

// GetDaemonInfoReply identifies the daemon and its wire protocol.
type GetDaemonInfoReply struct {
	ProtocolVersion int
	RingBufferVersion uint32
}

// GetDaemonInfo reports the protocol and ring-buffer layout versions a
// client needs before attaching to either surface.
func (h *HealthService) GetDaemonInfo(_ *struct{}, reply *GetDaemonInfoReply) error {
	reply.ProtocolVersion = ProtocolVersion
	reply.RingBufferVersion = ringbuf.Version
	return nil
}
