package main

import (
	"context"
	"net/http"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog/log"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/acqstore"
	"github.com/usnistgov/daqcore/daqcfg"
	"github.com/usnistgov/daqcore/ringbuf"
	"github.com/usnistgov/daqcore/rpcapi"
	"github.com/usnistgov/daqcore/telemetry"
)

// serveMetrics runs a bare Prometheus scrape endpoint on addr, separate
// from the RPC and streaming listeners so a monitoring scraper never
// shares a port with operator traffic.
func serveMetrics(addr string, metrics *telemetry.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return http.ListenAndServe(addr, mux)
}

// exitCode is the CLI's exit code contract. The daemon command returns
// one of these instead of calling os.Exit directly, so main can log
// consistently and tests can drive runDaemon without exiting the test
// binary.
type exitCode int

const (
	exitOK               exitCode = 0
	exitConfigError      exitCode = 1
	exitDeviceInitFailed exitCode = 2
	exitServerStartFailed exitCode = 3
)

// runDaemon wires every package into a running daemon and blocks until
// one of the listeners fails. Each stage maps onto one exit code: config
// loading is 1, device/ring/store setup is 2, and serving is 3.
func runDaemon(configPath string, portOverride int) exitCode {
	cfg, err := daqcfg.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("config load failed")
		return exitConfigError
	}
	if portOverride != 0 {
		cfg.RPCPort = portOverride
	}
	log.Debug().Msg("loaded configuration: " + spew.Sdump(cfg))

	registry, err := buildRegistry(cfg.Devices)
	if err != nil {
		log.Error().Err(err).Msg("device initialization failed")
		return exitDeviceInitFailed
	}

	ring, err := ringbuf.Create(cfg.RingBufferPath, cfg.RingCapacityRecords, cfg.RingRecordSize)
	if err != nil {
		log.Error().Err(err).Msg("ring buffer initialization failed")
		return exitDeviceInitFailed
	}
	defer ring.Close()

	store, err := acqstore.New(cfg.AcquisitionDir)
	if err != nil {
		log.Error().Err(err).Msg("acquisition storage initialization failed")
		return exitDeviceInitFailed
	}
	defer store.Close()
	if recovered, err := acqstore.RecoverIncomplete(cfg.AcquisitionDir); err != nil {
		log.Warn().Err(err).Msg("crash-recovery scan failed")
	} else if len(recovered) > 0 {
		log.Warn().Strs("runs", recovered).Msg("marked incomplete runs from a prior crash")
	}

	metrics := telemetry.New()
	health := telemetry.NewSystemHealth(ring)
	if err := registry.Register(health); err != nil {
		log.Error().Err(err).Msg("system.health registration failed")
		return exitDeviceInitFailed
	}
	store.Health = health

	engine := daqcore.NewRunEngine(registry, store, ring)

	pub := newPublisher(cfg)
	defer pub.Close()
	docs, cancelDocs := engine.StreamDocuments()
	defer cancelDocs()
	go pub.RunDocuments(docs)

	drainer := acqstore.NewDrainer(ring, cfg.AcquisitionDir)
	drainer.OnMeasurement = pub.PublishMeasurement
	drainer.Health = health
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	go func() {
		if err := drainer.Run(drainCtx, 250*time.Millisecond); err != nil {
			log.Error().Err(err).Msg("measurement drain loop exited")
		}
	}()

	pollCtx, cancelPoll := context.WithCancel(context.Background())
	defer cancelPoll()
	go pollHealth(pollCtx, engine, health, metrics, ring)

	plans := make(map[string]daqcore.Plan, len(cfg.Plans))
	for _, pc := range cfg.Plans {
		plan, err := buildPlan(pc.Type, pc.Args)
		if err == nil && plan.Validate != nil {
			err = plan.Validate()
		}
		if err != nil {
			log.Error().Err(err).Str("plan", pc.Name).Msg("plan configuration invalid")
			return exitConfigError
		}
		plans[pc.Name] = plan
	}

	server, err := rpcapi.NewServer(rpcapi.Services{
		Registry:  registry,
		Engine:    engine,
		Plans:     plans,
		Ring:      ring,
		Store:     store,
		AuthToken: cfg.AuthToken,
	})
	if err != nil {
		log.Error().Err(err).Msg("RPC server construction failed")
		return exitServerStartFailed
	}

	serveErr := make(chan error, 3)
	go func() { serveErr <- server.ServeRPC(cfg.RPCPort) }()
	go func() { serveErr <- server.ServeHTTP(cfg.StreamAddr) }()
	go func() { serveErr <- serveMetrics(cfg.MetricsAddr, metrics) }()

	err = <-serveErr
	log.Error().Err(err).Msg("daemon listener exited")
	return exitServerStartFailed
}

// pollHealth refreshes the synthetic system.health parameters and the
// Prometheus gauges on the same cadence, so the two observability
// surfaces never drift against each other for long.
func pollHealth(ctx context.Context, engine *daqcore.RunEngine, health *telemetry.SystemHealth, metrics *telemetry.Metrics, ring *ringbuf.RingBuffer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := engine.State()
			health.Poll(state)
			metrics.SetRunState(state)
			metrics.RingFill.Set(ring.Fill())
		}
	}
}
