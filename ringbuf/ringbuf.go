// Package ringbuf implements a page-aligned, lock-free,
// single-producer/multi-consumer shared-memory ring buffer. The daemon
// process is the sole writer; external processes attach read-only via
// Open.
package ringbuf

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"github.com/rs/zerolog/log"

	"github.com/usnistgov/daqcore"
)

// Magic identifies a ring buffer file ("RING").
const Magic uint32 = 0x52494E47

// Version is the current binary layout version. Readers reject any other value.
const Version uint32 = 1

// headerSize is the fixed byte size of the on-disk header, rounded up to
// a cacheline so the record region starts cacheline-aligned.
const headerSize = 64

// defaultSchemaRegion is how much space is reserved after the record
// array for the lazily captured schema JSON.
const defaultSchemaRegion = 64 * 1024

// field byte offsets within the header.
const (
	offMagic            = 0
	offVersion           = 4
	offCapacityRecords   = 8
	offRecordSize        = 16
	offWriteIndex        = 24
	offReadIndex         = 32
	offSchemaJSONOffset  = 40
	offSchemaJSONLen     = 48
)

// recordPrefixSize is the 8-byte little-endian length prefix stored at
// the start of every fixed-size slot.
const recordPrefixSize = 8

// RingBuffer is a memory-mapped ring buffer backed by a file. The zero
// value is not usable; construct with Create or Open.
type RingBuffer struct {
	f        *os.File
	data     mmap.MMap
	readOnly bool

	capacityRecords uint64
	recordSize      uint64
	recordsOffset   uint64
	schemaOffset    uint64
	schemaCap       uint64
}

// Record is one slot read back by ReadFrom.
type Record struct {
	Index   uint64
	Payload []byte
}

// Create creates (or truncates) a ring buffer file at path sized to hold
// capacityRecords slots of recordSize bytes each, plus a schema region.
// The daemon is the only caller that should ever Create; everyone else
// attaches with Open.
func Create(path string, capacityRecords, recordSize uint64) (*RingBuffer, error) {
	if capacityRecords == 0 {
		return nil, daqcore.ValidationError("ringbuf: capacity_records must be > 0")
	}
	if recordSize <= recordPrefixSize {
		return nil, daqcore.ValidationError("ringbuf: record_size must exceed the %d-byte length prefix", recordPrefixSize)
	}
	totalSize := headerSize + capacityRecords*recordSize + defaultSchemaRegion

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: create %s: %w", path, err)
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: truncate %s: %w", path, err)
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: mmap %s: %w", path, err)
	}

	rb := &RingBuffer{
		f: f, data: data,
		capacityRecords: capacityRecords,
		recordSize:      recordSize,
		recordsOffset:   headerSize,
		schemaOffset:    headerSize + capacityRecords*recordSize,
		schemaCap:       defaultSchemaRegion,
	}
	binary.LittleEndian.PutUint32(data[offMagic:], Magic)
	binary.LittleEndian.PutUint32(data[offVersion:], Version)
	binary.LittleEndian.PutUint64(data[offCapacityRecords:], capacityRecords)
	binary.LittleEndian.PutUint64(data[offRecordSize:], recordSize)
	binary.LittleEndian.PutUint64(data[offWriteIndex:], 0)
	binary.LittleEndian.PutUint64(data[offReadIndex:], 0)
	binary.LittleEndian.PutUint64(data[offSchemaJSONOffset:], 0)
	binary.LittleEndian.PutUint64(data[offSchemaJSONLen:], 0)
	return rb, nil
}

// Open attaches to an existing ring buffer file. readOnly controls the
// mmap protection; external readers must pass true.
func Open(path string, readOnly bool) (*RingBuffer, error) {
	flag := os.O_RDWR
	prot := mmap.RDWR
	if readOnly {
		flag = os.O_RDONLY
		prot = mmap.RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: open %s: %w", path, err)
	}
	data, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ringbuf: mmap %s: %w", path, err)
	}
	if len(data) < headerSize {
		data.Unmap()
		f.Close()
		return nil, daqcore.Internal(nil, "ringbuf: %s is smaller than the header", path)
	}
	magic := binary.LittleEndian.Uint32(data[offMagic:])
	version := binary.LittleEndian.Uint32(data[offVersion:])
	if magic != Magic {
		data.Unmap()
		f.Close()
		return nil, daqcore.Internal(nil, "ringbuf: %s has bad magic 0x%x, want 0x%x", path, magic, Magic)
	}
	if version != Version {
		data.Unmap()
		f.Close()
		return nil, daqcore.Internal(nil, "ringbuf: %s is version %d, this binary supports %d", path, version, Version)
	}
	capacityRecords := binary.LittleEndian.Uint64(data[offCapacityRecords:])
	recordSize := binary.LittleEndian.Uint64(data[offRecordSize:])
	recordsOffset := uint64(headerSize)
	schemaOffset := recordsOffset + capacityRecords*recordSize

	return &RingBuffer{
		f: f, data: data, readOnly: readOnly,
		capacityRecords: capacityRecords,
		recordSize:      recordSize,
		recordsOffset:   recordsOffset,
		schemaOffset:    schemaOffset,
		schemaCap:       uint64(len(data)) - schemaOffset,
	}, nil
}

// Close unmaps and closes the backing file.
func (rb *RingBuffer) Close() error {
	if err := rb.data.Unmap(); err != nil {
		return err
	}
	return rb.f.Close()
}

func (rb *RingBuffer) ptr64(offset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&rb.data[offset]))
}

func (rb *RingBuffer) writeIndex() uint64 { return atomic.LoadUint64(rb.ptr64(offWriteIndex)) }
func (rb *RingBuffer) readIndex() uint64  { return atomic.LoadUint64(rb.ptr64(offReadIndex)) }

// CapacityRecords returns the fixed slot count.
func (rb *RingBuffer) CapacityRecords() uint64 { return rb.capacityRecords }

// RecordSize returns the fixed slot size in bytes, including the length prefix.
func (rb *RingBuffer) RecordSize() uint64 { return rb.recordSize }

// Fill reports the fraction of capacity currently holding unread records,
// used by Health.GetStatus and the system.health parameter device.
func (rb *RingBuffer) Fill() float64 {
	w, r := rb.writeIndex(), rb.readIndex()
	if rb.capacityRecords == 0 {
		return 0
	}
	depth := w - r
	if depth > rb.capacityRecords {
		depth = rb.capacityRecords
	}
	return float64(depth) / float64(rb.capacityRecords)
}

// Write appends one record, returning a ValidationError if payload does
// not fit in a slot. It is lock-free: the write_index fetch-add and the
// per-slot byte copy are the only synchronization. If the buffer is full
// (write_index - read_index >= capacity), the overwrite-oldest policy
// applies and read_index is advanced to reflect the lost slot(s).
func (rb *RingBuffer) Write(payload []byte) error {
	if rb.readOnly {
		return daqcore.Internal(nil, "ringbuf: Write called on a read-only mapping")
	}
	maxPayload := rb.recordSize - recordPrefixSize
	if uint64(len(payload)) > maxPayload {
		return daqcore.ValidationError("ringbuf: record of %d bytes exceeds slot capacity %d", len(payload), maxPayload)
	}

	idx := atomic.AddUint64(rb.ptr64(offWriteIndex), 1) - 1
	slot := idx % rb.capacityRecords
	slotOffset := rb.recordsOffset + slot*rb.recordSize

	binary.LittleEndian.PutUint64(rb.data[slotOffset:], uint64(len(payload)))
	copy(rb.data[slotOffset+recordPrefixSize:slotOffset+rb.recordSize], payload)

	newIndex := idx + 1
	if r := rb.readIndex(); newIndex-r > rb.capacityRecords {
		atomic.StoreUint64(rb.ptr64(offReadIndex), newIndex-rb.capacityRecords)
	}
	return nil
}

// ReadFrom reads every slot in [cursor, write_index) with acquire
// ordering, returning the records, the new cursor to pass on the next
// call, and how many records were lost to overwrite if cursor had fallen
// more than capacity behind.
func (rb *RingBuffer) ReadFrom(cursor uint64) (records []Record, nextCursor uint64, laggedBy uint64) {
	w := rb.writeIndex()
	if cursor > w {
		cursor = w
	}
	if w-cursor > rb.capacityRecords {
		laggedBy = (w - cursor) - rb.capacityRecords
		cursor = w - rb.capacityRecords
	}
	nextCursor = cursor
	for i := cursor; i < w; i++ {
		slot := i % rb.capacityRecords
		slotOffset := rb.recordsOffset + slot*rb.recordSize
		n := binary.LittleEndian.Uint64(rb.data[slotOffset:])
		if n > rb.recordSize-recordPrefixSize {
			// Slot was overwritten mid-read by the producer; stop here
			// rather than return a torn record. The caller will retry
			// from nextCursor and pick up whatever landed.
			break
		}
		payload := make([]byte, n)
		copy(payload, rb.data[slotOffset+recordPrefixSize:slotOffset+recordPrefixSize+n])
		records = append(records, Record{Index: i, Payload: payload})
		nextCursor = i + 1
	}
	return records, nextCursor, laggedBy
}

// SetSchemaIfAbsent stores schemaJSON in the schema region the first
// time it is called on a buffer with no schema yet recorded. Subsequent
// calls are no-ops: a ring-buffer file's schema is immutable for its
// lifetime.
func (rb *RingBuffer) SetSchemaIfAbsent(schemaJSON []byte) error {
	if rb.readOnly {
		return daqcore.Internal(nil, "ringbuf: SetSchemaIfAbsent called on a read-only mapping")
	}
	if binary.LittleEndian.Uint64(rb.data[offSchemaJSONLen:]) != 0 {
		return nil
	}
	if uint64(len(schemaJSON)) > rb.schemaCap {
		return daqcore.ValidationError("ringbuf: schema of %d bytes exceeds reserved region %d", len(schemaJSON), rb.schemaCap)
	}
	copy(rb.data[rb.schemaOffset:], schemaJSON)
	binary.LittleEndian.PutUint64(rb.data[offSchemaJSONOffset:], rb.schemaOffset)
	binary.LittleEndian.PutUint64(rb.data[offSchemaJSONLen:], uint64(len(schemaJSON)))
	log.Info().Int("bytes", len(schemaJSON)).Msg("ring buffer schema captured")
	return nil
}

// Schema returns the captured schema JSON, or nil if none has been set yet.
func (rb *RingBuffer) Schema() []byte {
	length := binary.LittleEndian.Uint64(rb.data[offSchemaJSONLen:])
	if length == 0 {
		return nil
	}
	offset := binary.LittleEndian.Uint64(rb.data[offSchemaJSONOffset:])
	out := make([]byte, length)
	copy(out, rb.data[offset:offset+length])
	return out
}

// recordSchemaJSON describes the slot framing WriteRecord uses, in
// Arrow-IPC-compatible field terms, so an external reader can interpret
// slots without daqcore's Go types. It is captured into the schema
// region lazily, on the first WriteRecord against a fresh buffer.
const recordSchemaJSON = `{"fields":[{"name":"kind","type":"utf8","metadata":{"values":"D=document,M=measurement"}},{"name":"payload","type":"utf8","metadata":{"encoding":"json"}}]}`

// WriteRecord implements daqcore.RingSink, the interface the run engine
// depends on. Both Document and Measurement payloads share the slot
// format; Kind is prefixed so the storage writer and external readers
// can tell them apart without re-parsing JSON speculatively.
func (rb *RingBuffer) WriteRecord(rec daqcore.RingRecord) error {
	if err := rb.SetSchemaIfAbsent([]byte(recordSchemaJSON)); err != nil {
		log.Error().Err(err).Msg("ring buffer schema capture failed")
	}
	framed := make([]byte, 0, len(rec.Payload)+1)
	switch rec.Kind {
	case daqcore.RecordDocument:
		framed = append(framed, 'D')
	case daqcore.RecordMeasurement:
		framed = append(framed, 'M')
	default:
		return daqcore.Internal(nil, "ringbuf: unknown record kind %q", rec.Kind)
	}
	framed = append(framed, rec.Payload...)
	return rb.Write(framed)
}

// DecodeRecordKind splits a slot payload written via WriteRecord back
// into its kind tag and raw JSON body.
func DecodeRecordKind(raw []byte) (daqcore.RecordKind, []byte, error) {
	if len(raw) == 0 {
		return "", nil, daqcore.Internal(nil, "ringbuf: empty record")
	}
	switch raw[0] {
	case 'D':
		return daqcore.RecordDocument, raw[1:], nil
	case 'M':
		return daqcore.RecordMeasurement, raw[1:], nil
	default:
		return "", nil, daqcore.Internal(nil, "ringbuf: unknown record tag %q", raw[0])
	}
}
