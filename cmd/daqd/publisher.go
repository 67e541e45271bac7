package main

import (
	"github.com/usnistgov/daqcore/daqcfg"
	"github.com/usnistgov/daqcore/publish"
)

// newPublisher binds the ZeroMQ topics named in cfg.Publish. A port of 0
// leaves that topic disabled, per publish.New's convention.
func newPublisher(cfg *daqcfg.Config) *publish.Publisher {
	return publish.New(cfg.Publish.DocumentsPort, cfg.Publish.MeasurementsPort)
}
