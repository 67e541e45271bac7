package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/daqcfg"
)

// scriptFile is the on-disk format `daqd run` consumes: a device roster
// plus one built-in plan invocation, run against an in-process registry
// with no RPC server, ring buffer, or durable store attached. JSON
// rather than a bespoke DSL keeps this a thin, inspectable mapping onto
// the same builtin_plans factories the RPC surface queues.
type scriptFile struct {
	Devices []daqcfg.DeviceConfig `json:"devices"`
	Plan    string                `json:"plan"`
	Args    map[string]any        `json:"args"`
}

func loadScript(path string) (*scriptFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var sf scriptFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return &sf, nil
}

// buildPlan dispatches a declared plan type to the shared
// daqcore.BuildPlan factory table; the config loader and the RunEngine
// RPC's Queue method go through the same table, so a script, a config
// entry, and a remote plan spec all accept identical argument maps.
func buildPlan(name string, args map[string]any) (daqcore.Plan, error) {
	return daqcore.BuildPlan(name, args)
}

// runScript executes path's plan synchronously against a freshly built
// in-process registry, printing each emitted document to stdout. It
// attaches no ring buffer or durable store: a one-shot local run has
// nothing to catch up on.
func runScript(path string) error {
	sf, err := loadScript(path)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(sf.Devices)
	if err != nil {
		return err
	}
	plan, err := buildPlan(sf.Plan, sf.Args)
	if err != nil {
		return err
	}

	engine := daqcore.NewRunEngine(registry, nil, nil)
	docs, cancel := engine.StreamDocuments()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for doc := range docs {
			fmt.Fprintf(os.Stdout, "%s %s\n", doc.Kind, doc.UID)
		}
	}()

	runUID, err := engine.Queue(plan, map[string]string{"source": "daqd run"})
	if err != nil {
		return err
	}
	if err := engine.Run(runUID); err != nil {
		return err
	}
	for engine.State() != daqcore.StateIdle {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	return nil
}
