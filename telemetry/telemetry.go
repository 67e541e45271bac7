// Package telemetry wraps a private Prometheus registry and the handful
// of gauges/counters the daemon exposes, plus a synthetic
// "system.health" Parameterized device so the same values are reachable
// through Parameters.Get/Subscribe, not only /metrics.
package telemetry

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/usnistgov/daqcore"
)

// Metrics holds every gauge/counter the daemon updates. A fixed struct
// of registered collectors, not a generic metrics-provider abstraction:
// the daemon is the only producer, so interface indirection would buy
// nothing.
type Metrics struct {
	registry *prom.Registry

	RingFill        prom.Gauge
	RunState        *prom.GaugeVec
	DocumentsEmitted *prom.CounterVec
	DocumentsDropped prom.Counter
	RPCRequests     *prom.CounterVec
	StreamDrops     *prom.CounterVec
}

// New constructs Metrics on a fresh, private registry (never the global
// default one, so multiple daemons in one test binary don't collide).
func New() *Metrics {
	reg := prom.NewRegistry()
	m := &Metrics{
		registry: reg,
		RingFill: prom.NewGauge(prom.GaugeOpts{
			Namespace: "daqd", Name: "ring_fill_fraction", Help: "fraction of ring buffer capacity currently holding unread records",
		}),
		RunState: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "daqd", Name: "run_state", Help: "1 for the engine's current state, 0 otherwise",
		}, []string{"state"}),
		DocumentsEmitted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "daqd", Name: "documents_emitted_total", Help: "documents emitted by the run engine, by kind",
		}, []string{"kind"}),
		DocumentsDropped: prom.NewCounter(prom.CounterOpts{
			Namespace: "daqd", Name: "documents_dropped_total", Help: "documents dropped by a full lossy subscriber buffer",
		}),
		RPCRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "daqd", Name: "rpc_requests_total", Help: "JSON-RPC requests served, by method and outcome",
		}, []string{"method", "outcome"}),
		StreamDrops: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "daqd", Name: "stream_frames_dropped_total", Help: "frames dropped from a streaming subscriber at >=75% buffer fill",
		}, []string{"stream", "device"}),
	}
	reg.MustRegister(m.RingFill, m.RunState, m.DocumentsEmitted, m.DocumentsDropped, m.RPCRequests, m.StreamDrops)
	return m
}

// Handler exposes the private registry over HTTP for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetRunState zeroes every known state gauge and sets only current to 1,
// so a Prometheus query for daqd_run_state always has exactly one active
// series per scrape.
func (m *Metrics) SetRunState(current daqcore.State) {
	for _, s := range []daqcore.State{daqcore.StateIdle, daqcore.StateRunning, daqcore.StatePaused, daqcore.StateAborting} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.RunState.WithLabelValues(string(s)).Set(v)
	}
}

// RingFillSource is satisfied by ringbuf.RingBuffer.
type RingFillSource interface {
	Fill() float64
}

// SystemHealth is the synthetic device registered as "system.health". It
// implements daqcore.Device and daqcore.Parameterized so operators query
// daemon-level health (ring fill, engine state, storage status) through
// the same Parameters RPC used for real devices. Its parameters:
// ring_fill_pct (0-100), run_state, disk_ok (cleared when the durable
// storage writer hits a write error, set again once writes succeed), and
// storage_backlog (records pending in the drain path).
type SystemHealth struct {
	params         *daqcore.ParameterSet
	ringFill       *daqcore.Parameter[float64]
	runState       *daqcore.Parameter[string]
	diskOK         *daqcore.Parameter[bool]
	storageBacklog *daqcore.Parameter[int64]
	ring           RingFillSource
}

// NewSystemHealth constructs the synthetic device. ring may be nil in
// deployments with no ring buffer configured.
func NewSystemHealth(ring RingFillSource) *SystemHealth {
	set := daqcore.NewParameterSet()
	sh := &SystemHealth{
		params:         set,
		ringFill:       daqcore.NewParameter[float64]("system.health", "ring_fill_pct", 0),
		runState:       daqcore.NewParameter[string]("system.health", "run_state", string(daqcore.StateIdle)),
		diskOK:         daqcore.NewParameter[bool]("system.health", "disk_ok", true),
		storageBacklog: daqcore.NewParameter[int64]("system.health", "storage_backlog", 0),
		ring:           ring,
	}
	daqcore.Add(set, sh.ringFill)
	daqcore.Add(set, sh.runState)
	daqcore.Add(set, sh.diskOK)
	daqcore.Add(set, sh.storageBacklog)
	return sh
}

func (sh *SystemHealth) ID() string         { return "system.health" }
func (sh *SystemHealth) Name() string       { return "System Health" }
func (sh *SystemHealth) DriverType() string { return "synthetic" }
func (sh *SystemHealth) Parameters() *daqcore.ParameterSet { return sh.params }

// Poll refreshes the synthetic parameters from live state. Called on the
// same tick as the Prometheus gauges, so the two surfaces never drift
// against each other for long.
func (sh *SystemHealth) Poll(state daqcore.State) {
	ctx := context.Background()
	if sh.ring != nil {
		_ = sh.ringFill.Set(ctx, sh.ring.Fill()*100, daqcore.OriginHardware)
	}
	_ = sh.runState.Set(ctx, string(state), daqcore.OriginHardware)
}

// SetDiskOK records whether the durable storage writer's last write
// succeeded. Called by the acquisition store and the drain loop; a
// subscriber on disk_ok sees each transition exactly once, since a call
// that repeats the current value returns without writing the parameter.
func (sh *SystemHealth) SetDiskOK(ok bool) {
	if sh.diskOK.Get() == ok {
		return
	}
	_ = sh.diskOK.Set(context.Background(), ok, daqcore.OriginHardware)
}

// SetStorageBacklog records how many ring-buffer records the drain loop
// found pending on its last pass.
func (sh *SystemHealth) SetStorageBacklog(records int64) {
	_ = sh.storageBacklog.Set(context.Background(), records, daqcore.OriginHardware)
}
