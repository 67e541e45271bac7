// Package publish fans out live Documents and Measurements over ZeroMQ:
// one czmq.Channeler per topic, enabled independently. A nil channeler
// means that topic is disabled and its publish methods are no-ops.
package publish

import (
	"encoding/json"
	"fmt"

	czmq "github.com/zeromq/goczmq"
	"github.com/rs/zerolog/log"

	"github.com/usnistgov/daqcore"
)

// Default TCP ports for the two publish topics.
const (
	DefaultDocumentsPort   = 5502
	DefaultMeasurementsPort = 5503
)

// Publisher holds the ZMQ PUB sockets for each topic this daemon
// broadcasts. Either may be left nil; only non-nil topics publish.
type Publisher struct {
	Documents    *czmq.Channeler
	Measurements *czmq.Channeler
}

// New creates a Publisher with each topic bound on the port passed for it.
// Pass port 0 for a topic to leave it disabled.
func New(documentsPort, measurementsPort int) *Publisher {
	p := &Publisher{}
	if documentsPort != 0 {
		p.Documents = czmq.NewPubChanneler(fmt.Sprintf("tcp://*:%d", documentsPort))
	}
	if measurementsPort != 0 {
		p.Measurements = czmq.NewPubChanneler(fmt.Sprintf("tcp://*:%d", measurementsPort))
	}
	return p
}

// Close destroys whichever sockets are bound.
func (p *Publisher) Close() {
	if p.Documents != nil {
		p.Documents.Destroy()
		p.Documents = nil
	}
	if p.Measurements != nil {
		p.Measurements.Destroy()
		p.Measurements = nil
	}
}

// PublishDocument sends doc on the documents topic if bound. Frames are
// [topic, json_payload] so subscribers can zmq.SUB-filter on doc.Kind
// without decoding every message.
func (p *Publisher) PublishDocument(doc daqcore.Document) {
	if p.Documents == nil {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		log.Error().Err(err).Msg("publish: encode document failed")
		return
	}
	p.Documents.SendChan <- [][]byte{[]byte(doc.Kind), payload}
}

// PublishMeasurement sends m on the measurements topic if bound.
func (p *Publisher) PublishMeasurement(m daqcore.Measurement) {
	if p.Measurements == nil {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Msg("publish: encode measurement failed")
		return
	}
	p.Measurements.SendChan <- [][]byte{[]byte(m.Channel), payload}
}

// RunDocuments relays every document off docs (typically
// RunEngine.StreamDocuments) until the channel closes. Run this in its
// own goroutine; it never returns until the source closes.
func (p *Publisher) RunDocuments(docs <-chan daqcore.Document) {
	for doc := range docs {
		p.PublishDocument(doc)
	}
}
