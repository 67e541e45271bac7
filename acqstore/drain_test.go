package acqstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/ringbuf"
)

// fakeRingSource replays a fixed slice of records exactly once, then
// reports no further records, mimicking ringbuf.RingBuffer.ReadFrom's
// cursor contract without mapping a real file.
type fakeRingSource struct {
	records []ringbuf.Record
	served  bool
}

func (f *fakeRingSource) ReadFrom(cursor uint64) ([]ringbuf.Record, uint64, uint64) {
	if f.served {
		return nil, cursor, 0
	}
	f.served = true
	return f.records, uint64(len(f.records)), 0
}

func framedRecord(t *testing.T, index uint64, m daqcore.Measurement) ringbuf.Record {
	t.Helper()
	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return ringbuf.Record{Index: index, Payload: append([]byte{'M'}, payload...)}
}

func measurementRecord(t *testing.T, index uint64, channel string, value float64, timestampNs int64) ringbuf.Record {
	t.Helper()
	return framedRecord(t, index, daqcore.NewScalarMeasurement(channel, timestampNs, value, "V"))
}

// fakeHealthSink records every health update the drain path reports.
type fakeHealthSink struct {
	diskOK  []bool
	backlog []int64
}

func (f *fakeHealthSink) SetDiskOK(ok bool)          { f.diskOK = append(f.diskOK, ok) }
func (f *fakeHealthSink) SetStorageBacklog(n int64)  { f.backlog = append(f.backlog, n) }

func TestDrainerWritesMeasurementsAndInvokesHook(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC).UnixNano()
	source := &fakeRingSource{records: []ringbuf.Record{
		measurementRecord(t, 0, "det1", 1.5, ts),
		measurementRecord(t, 1, "det1", 2.5, ts+1),
	}}

	drainer := NewDrainer(source, dir)
	var captured []daqcore.Measurement
	drainer.OnMeasurement = func(m daqcore.Measurement) { captured = append(captured, m) }

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := drainer.Run(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, captured, 2)
	require.Equal(t, "det1", captured[0].Channel)
	require.Equal(t, 1.5, captured[0].ScalarValue)
	require.Equal(t, 2.5, captured[1].ScalarValue)
}

// TestDrainerPersistsSpectrumAndImageVariants reads the rolled Parquet
// file back and checks that Spectrum bins and Image pixel data survive
// the drain path, not just the scalar column.
func TestDrainerPersistsSpectrumAndImageVariants(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC).UnixNano()

	spec := daqcore.NewSpectrumMeasurement("spec1", ts, []daqcore.SpectrumBin{
		{Frequency: 1, Magnitude: 2},
		{Frequency: 3, Magnitude: 4},
	}, "counts")
	img := daqcore.NewImageMeasurement("cam1", daqcore.Frame{
		Ptr: []byte{9, 8, 7, 6}, Width: 2, Height: 2, RowStride: 2,
		PixelFormat: "gray8", TimestampNs: ts + 1,
	})

	source := &fakeRingSource{records: []ringbuf.Record{
		framedRecord(t, 0, spec),
		framedRecord(t, 1, img),
	}}
	drainer := NewDrainer(source, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, drainer.Run(ctx, 10*time.Millisecond))

	fr, err := local.NewLocalFileReader(filepath.Join(dir, "measurements-20260201.parquet"))
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(measurementRow), 4)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]measurementRow, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	require.Len(t, rows, 2)

	require.Equal(t, string(daqcore.MeasurementSpectrum), rows[0].Kind)
	require.Equal(t, "spec1", rows[0].Channel)
	var bins []daqcore.SpectrumBin
	require.NoError(t, json.Unmarshal([]byte(rows[0].SpectrumJSON), &bins))
	require.Equal(t, spec.SpectrumBins, bins)

	require.Equal(t, string(daqcore.MeasurementImage), rows[1].Kind)
	require.Equal(t, int32(2), rows[1].ImageWidth)
	require.Equal(t, int32(2), rows[1].ImageHeight)
	require.Equal(t, "gray8", rows[1].ImagePixelFormat)
	require.Equal(t, []byte{9, 8, 7, 6}, []byte(rows[1].ImagePayload))
}

// TestDrainerReportsDiskFailureToHealthSink points the drainer at a path
// whose parent is a regular file, so the Parquet roll fails, and checks
// that disk_ok goes false instead of the failure staying log-only.
func TestDrainerReportsDiskFailureToHealthSink(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocked, []byte("not a directory"), 0o644))

	source := &fakeRingSource{records: []ringbuf.Record{
		measurementRecord(t, 0, "det1", 1.0, time.Now().UnixNano()),
	}}
	drainer := NewDrainer(source, blocked)
	sink := &fakeHealthSink{}
	drainer.Health = sink

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, drainer.Run(ctx, 10*time.Millisecond))

	require.Contains(t, sink.diskOK, false)
	require.NotEmpty(t, sink.backlog)
	require.Equal(t, int64(1), sink.backlog[0])
}

func TestDrainerSkipsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	source := &fakeRingSource{records: []ringbuf.Record{
		{Index: 0, Payload: []byte{}}, // empty: DecodeRecordKind fails, should be skipped
		measurementRecord(t, 1, "det1", 3.0, time.Now().UnixNano()),
	}}

	drainer := NewDrainer(source, dir)
	var captured int
	drainer.OnMeasurement = func(daqcore.Measurement) { captured++ }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, drainer.Run(ctx, 10*time.Millisecond))

	require.Equal(t, 1, captured, "the malformed record must be skipped, not crash the drain loop")
}
