package acqstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/ringbuf"
)

// measurementRow is the Parquet schema for raw Measurement records
// drained from the ring buffer: distinct from eventRow because
// Measurements arrive outside of any run's descriptor bookkeeping (a
// bare Read() call issued by an interactive session has no descriptor).
// One row schema covers all three variants: scalar_value for Scalar,
// spectrum_json for Spectrum (the bins' JSON encoding), and the image_*
// columns for Image, with a variant's unused columns left at their zero
// values. image_payload holds the raw pixel bytes; a Go string carries
// arbitrary bytes and maps to a plain BYTE_ARRAY column.
type measurementRow struct {
	Kind         string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Channel      string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampNs  int64   `parquet:"name=timestamp_ns, type=INT64"`
	Unit         string  `parquet:"name=unit, type=BYTE_ARRAY, convertedtype=UTF8"`
	ScalarValue  float64 `parquet:"name=scalar_value, type=DOUBLE"`
	SpectrumJSON string  `parquet:"name=spectrum_json, type=BYTE_ARRAY, convertedtype=UTF8"`
	ImageWidth   int32   `parquet:"name=image_width, type=INT32"`
	ImageHeight  int32   `parquet:"name=image_height, type=INT32"`
	ImagePixelFormat string `parquet:"name=image_pixel_format, type=BYTE_ARRAY, convertedtype=UTF8"`
	ImagePayload string  `parquet:"name=image_payload, type=BYTE_ARRAY"`
}

// RingSource is the subset of ringbuf.RingBuffer the drain loop needs.
// Declared here as a narrow interface (rather than taking a concrete
// *ringbuf.RingBuffer) purely so tests can supply a fake without mapping
// a real file.
type RingSource interface {
	ReadFrom(cursor uint64) (records []ringbuf.Record, nextCursor uint64, laggedBy uint64)
}

// Drainer periodically reads new records from a ring buffer and persists
// measurement records into a rolling Parquet file (one per calendar day,
// named measurements-YYYYMMDD.parquet). It is the "storage writer" half
// of the ring buffer -> storage writer arrow in the architecture diagram;
// Documents reaching the ring buffer are skipped here since Store.
// WriteDocument already persists them directly when wired as the
// engine's DocumentStore: the ring buffer's copy exists for live
// consumers (publish, external mmap readers), not as acqstore's only
// source of truth.
type Drainer struct {
	source RingSource
	dir    string
	cursor uint64

	// OnMeasurement, if set, is called with every measurement drained
	// from the ring buffer before it is written to Parquet. The daemon
	// wires this to the ZeroMQ publisher so the durable-storage path and
	// the live fan-out path share one ring buffer reader instead of each
	// needing their own cursor and decode logic.
	OnMeasurement func(daqcore.Measurement)

	// Health, when non-nil, receives the per-pass backlog and the disk
	// status of the drain path's own Parquet writer.
	Health HealthSink

	currentDay string
	fw         source.ParquetFile
	pw         *writer.ParquetWriter
}

// NewDrainer constructs a Drainer rooted at dir (created by Store.New,
// typically the same directory).
func NewDrainer(source RingSource, dir string) *Drainer {
	return &Drainer{source: source, dir: dir}
}

// Run polls the ring buffer every pollInterval until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context, pollInterval time.Duration) error {
	defer d.closeCurrent()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.drainOnce(); err != nil {
				log.Error().Err(err).Msg("acqstore: drain pass failed")
			}
		}
	}
}

func (d *Drainer) drainOnce() error {
	records, next, lagged := d.source.ReadFrom(d.cursor)
	d.cursor = next
	if lagged > 0 {
		log.Warn().Uint64("lagged_by", lagged).Msg("acqstore: drain fell behind the ring buffer; records lost")
	}
	if d.Health != nil {
		d.Health.SetStorageBacklog(int64(len(records)))
	}
	wrote := false
	for _, rec := range records {
		kind, body, err := ringbuf.DecodeRecordKind(rec.Payload)
		if err != nil {
			log.Error().Err(err).Uint64("index", rec.Index).Msg("acqstore: skipping malformed ring record")
			continue
		}
		if kind != daqcore.RecordMeasurement {
			continue
		}
		var m daqcore.Measurement
		if err := json.Unmarshal(body, &m); err != nil {
			log.Error().Err(err).Msg("acqstore: skipping unparseable measurement")
			continue
		}
		if err := d.writeMeasurement(m); err != nil {
			if d.Health != nil {
				d.Health.SetDiskOK(false)
			}
			return err
		}
		wrote = true
	}
	if wrote && d.Health != nil {
		d.Health.SetDiskOK(true)
	}
	return nil
}

func (d *Drainer) writeMeasurement(m daqcore.Measurement) error {
	if d.OnMeasurement != nil {
		d.OnMeasurement(m)
	}
	day := time.Unix(0, m.TimestampNs).UTC().Format("20060102")
	if day != d.currentDay {
		if err := d.rollTo(day); err != nil {
			return err
		}
	}
	row := measurementRow{
		Kind: string(m.Kind), Channel: m.Channel, TimestampNs: m.TimestampNs,
		Unit: m.Unit,
	}
	switch m.Kind {
	case daqcore.MeasurementScalar:
		row.ScalarValue = m.ScalarValue
	case daqcore.MeasurementSpectrum:
		bins, err := json.Marshal(m.SpectrumBins)
		if err != nil {
			return fmt.Errorf("acqstore: encode spectrum bins: %w", err)
		}
		row.SpectrumJSON = string(bins)
	case daqcore.MeasurementImage:
		row.ImageWidth = int32(m.ImageWidth)
		row.ImageHeight = int32(m.ImageHeight)
		row.ImagePixelFormat = m.ImagePixelFormat
		row.ImagePayload = string(m.ImagePayload)
	}
	return d.pw.Write(row)
}

func (d *Drainer) rollTo(day string) error {
	d.closeCurrent()
	path := filepath.Join(d.dir, fmt.Sprintf("measurements-%s.parquet", day))
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("acqstore: create %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(measurementRow), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("acqstore: new parquet writer for %s: %w", path, err)
	}
	d.currentDay, d.fw, d.pw = day, fw, pw
	return nil
}

func (d *Drainer) closeCurrent() {
	if d.pw == nil {
		return
	}
	if err := d.pw.WriteStop(); err != nil {
		log.Error().Err(err).Msg("acqstore: finalize measurement file failed")
	}
	if err := d.fw.Close(); err != nil {
		log.Error().Err(err).Msg("acqstore: close measurement file failed")
	}
	d.pw, d.fw = nil, nil
}
