package ringbuf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usnistgov/daqcore"
)

func TestCreateRejectsZeroCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	_, err := Create(path, 0, 64)
	require.Error(t, err)
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 8, 64)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("hello")))
	require.NoError(t, rb.Write([]byte("world")))

	records, cursor, lagged := rb.ReadFrom(0)
	require.Equal(t, uint64(0), lagged)
	require.Len(t, records, 2)
	require.Equal(t, "hello", string(records[0].Payload))
	require.Equal(t, "world", string(records[1].Payload))
	require.Equal(t, uint64(2), cursor)

	// A second read from the returned cursor sees nothing new.
	records, _, lagged = rb.ReadFrom(cursor)
	require.Empty(t, records)
	require.Equal(t, uint64(0), lagged)
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 4, 16)
	require.NoError(t, err)
	defer rb.Close()

	err = rb.Write(make([]byte, 100))
	require.Error(t, err)
	var daqErr *daqcore.Error
	require.ErrorAs(t, err, &daqErr)
	require.Equal(t, daqcore.KindValidationError, daqErr.Kind)
}

// TestOverwriteOldestReportsLag: a reader whose cursor falls further
// behind than the buffer's capacity is told exactly how many records it
// lost, and resumes from the oldest surviving record rather than
// replaying stale slot data.
func TestOverwriteOldestReportsLag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 2, 32)
	require.NoError(t, err)
	defer rb.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, rb.Write([]byte{byte('a' + i)}))
	}

	records, cursor, lagged := rb.ReadFrom(0)
	require.Equal(t, uint64(3), lagged, "capacity=2 after 5 writes means cursor 0 lost 3 records")
	require.Equal(t, uint64(5), cursor)
	require.Len(t, records, 2)
	require.Equal(t, "d", string(records[0].Payload))
	require.Equal(t, "e", string(records[1].Payload))
}

// TestCapacityOneBoundary exercises the degenerate single-slot ring: every
// write overwrites the prior record, and a lagging reader always sees
// exactly the newest one.
func TestCapacityOneBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 1, 32)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.Write([]byte("first")))
	records, cursor, lagged := rb.ReadFrom(0)
	require.Equal(t, uint64(0), lagged)
	require.Len(t, records, 1)
	require.Equal(t, "first", string(records[0].Payload))

	require.NoError(t, rb.Write([]byte("second")))
	records, cursor, lagged = rb.ReadFrom(cursor - 1) // simulate a reader that hasn't advanced
	require.Equal(t, uint64(1), lagged)
	require.Len(t, records, 1)
	require.Equal(t, "second", string(records[0].Payload))
	require.Equal(t, uint64(2), cursor)
}

func TestSchemaCapturedOnceAndImmutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 4, 32)
	require.NoError(t, err)
	defer rb.Close()

	require.Nil(t, rb.Schema())

	require.NoError(t, rb.SetSchemaIfAbsent([]byte(`{"fields":["x"]}`)))
	require.Equal(t, `{"fields":["x"]}`, string(rb.Schema()))

	require.NoError(t, rb.SetSchemaIfAbsent([]byte(`{"fields":["y"]}`)))
	require.Equal(t, `{"fields":["x"]}`, string(rb.Schema()), "schema must be immutable after first capture")
}

func TestWriteRecordRoundTripsKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 4, 64)
	require.NoError(t, err)
	defer rb.Close()

	require.NoError(t, rb.WriteRecord(daqcore.RingRecord{Kind: daqcore.RecordDocument, Payload: []byte("doc-payload")}))
	require.NoError(t, rb.WriteRecord(daqcore.RingRecord{Kind: daqcore.RecordMeasurement, Payload: []byte("meas-payload")}))

	require.NotNil(t, rb.Schema(), "first WriteRecord must capture the record schema")

	records, _, _ := rb.ReadFrom(0)
	require.Len(t, records, 2)

	kind, body, err := DecodeRecordKind(records[0].Payload)
	require.NoError(t, err)
	require.Equal(t, daqcore.RecordDocument, kind)
	require.Equal(t, "doc-payload", string(body))

	kind, body, err = DecodeRecordKind(records[1].Payload)
	require.NoError(t, err)
	require.Equal(t, daqcore.RecordMeasurement, kind)
	require.Equal(t, "meas-payload", string(body))
}

func TestOpenReadsBackCreatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	rb, err := Create(path, 4, 32)
	require.NoError(t, err)
	require.NoError(t, rb.Close())

	reopened, err := Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(4), reopened.CapacityRecords())
	require.Equal(t, uint64(32), reopened.RecordSize())
}
