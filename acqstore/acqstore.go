// Package acqstore is the durable storage writer: the consumer that
// drains the ring buffer (or receives documents directly) and persists
// each run as a self-describing Parquet file plus a small JSON sidecar
// of run-level metadata. Parquet carries its schema inside the file, so
// every consumer of an acquisition reads column types from the file
// itself rather than from out-of-band conventions.
package acqstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/usnistgov/daqcore"
)

// eventRow is the one Parquet row schema every run's file uses. Event
// payloads vary per plan, so Data is stored as its JSON encoding rather
// than as per-key Parquet columns: trading columnar efficiency on the
// payload for a schema that never needs per-plan code generation.
type eventRow struct {
	DescriptorUID string `parquet:"name=descriptor_uid, type=BYTE_ARRAY, convertedtype=UTF8"`
	StreamName    string `parquet:"name=stream_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	SeqNum        int64  `parquet:"name=seq_num, type=INT64"`
	TimestampNs   int64  `parquet:"name=timestamp_ns, type=INT64"`
	DataJSON      string `parquet:"name=data_json, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// HealthSink receives storage-health updates from the writer and the
// drain loop. The daemon wires it to the system.health device so a
// storage failure is observable as the disk_ok parameter, not only as a
// log line. A nil sink disables reporting.
type HealthSink interface {
	SetDiskOK(ok bool)
	SetStorageBacklog(records int64)
}

// descriptorMeta records one Descriptor document's stream name and
// declared keys, keyed by descriptor uid in the sidecar.
type descriptorMeta struct {
	StreamName string            `json:"stream_name"`
	Keys       []daqcore.DataKey `json:"data_keys"`
}

// sidecarMeta is the run-level summary written alongside each run's
// .parquet file as <uid>.meta.json. Its presence (with a non-empty
// ExitStatus) is what the crash-recovery scan checks for.
type sidecarMeta struct {
	RunUID     string                 `json:"run_uid"`
	PlanName   string                 `json:"plan_name"`
	ScanID     string                 `json:"scan_id"`
	Metadata   map[string]string      `json:"metadata"`
	Descriptors map[string]descriptorMeta `json:"descriptors"`
	StartNs    int64                  `json:"start_ns"`
	StopNs     int64                  `json:"stop_ns,omitempty"`
	ExitStatus daqcore.ExitStatus     `json:"exit_status,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	NumEvents  map[string]uint64      `json:"num_events,omitempty"`

	// UserNotes and Tags are populated only by AnnotateAcquisition,
	// after the run has closed.
	UserNotes string   `json:"user_notes,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// AcquisitionSummary is the enumerable, serializable view of one closed
// (or still-open) run returned by ListAcquisitions and GetAcquisition.
type AcquisitionSummary struct {
	RunUID     string
	PlanName   string
	ScanID     string
	CreatedAtNs int64
	ExitStatus daqcore.ExitStatus
	NumEventsTotal uint64
	FilePath   string
	UserNotes  string
	Tags       []string
}

// openRun tracks one in-progress run's Parquet writer and accumulating
// metadata between its Start and Stop documents.
type openRun struct {
	mu     sync.Mutex
	fw     source.ParquetFile
	pw     *writer.ParquetWriter
	meta   sidecarMeta
	path   string
	rows   int
}

// Store implements daqcore.DocumentStore, writing each run's Start,
// Descriptor, Event, and Stop documents into a per-run Parquet file plus
// JSON sidecar under dir.
type Store struct {
	dir string

	// Health, when non-nil, is told about write failures (disk_ok false)
	// and recoveries (disk_ok true). Set once, before documents flow.
	Health HealthSink

	mu    sync.Mutex
	runs  map[string]*openRun

	flushEvery int // rows between forced flushes, in addition to cron-driven time flushes
	cron       *cron.Cron

	// annotateMu serializes AnnotateAcquisition's read-modify-write of a
	// sidecar file across concurrent RPC callers. One mutex covers every
	// file rather than a per-uid map, since annotation is rare enough
	// that contention is never a concern.
	annotateMu sync.Mutex
}

// New constructs a Store rooted at dir, creating it if necessary, and
// starts a background flush schedule. Every 30s is wide enough that a
// Parquet row-group flush never dominates the write path, tight enough
// that a crash loses at most half a minute of buffered rows.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("acqstore: mkdir %s: %w", dir, err)
	}
	s := &Store{
		dir:        dir,
		runs:       make(map[string]*openRun),
		flushEvery: 256,
		cron:       cron.New(),
	}
	if _, err := s.cron.AddFunc("@every 30s", s.flushAll); err != nil {
		return nil, fmt.Errorf("acqstore: schedule flush: %w", err)
	}
	s.cron.Start()
	return s, nil
}

// Close stops the flush schedule and flushes+closes every still-open run
// (a run left open at Close time did not receive a Stop document, e.g.
// the daemon is shutting down mid-acquisition; its sidecar is left
// without ExitStatus, which RecoverIncomplete will later repair).
func (s *Store) Close() error {
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for uid, run := range s.runs {
		if err := s.closeRun(run); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.runs, uid)
	}
	return firstErr
}

// reportDisk forwards write-path health to the sink, if one is wired.
func (s *Store) reportDisk(ok bool) {
	if s.Health != nil {
		s.Health.SetDiskOK(ok)
	}
}

func (s *Store) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, run := range s.runs {
		run.mu.Lock()
		if err := run.pw.Flush(true); err != nil {
			log.Error().Err(err).Str("run", uid).Msg("acqstore: periodic flush failed")
			s.reportDisk(false)
		}
		run.mu.Unlock()
	}
}

// WriteDocument implements daqcore.DocumentStore.
func (s *Store) WriteDocument(doc daqcore.Document) error {
	switch doc.Kind {
	case daqcore.DocStart:
		return s.openForStart(doc)
	case daqcore.DocDescriptor:
		return s.recordDescriptor(doc)
	case daqcore.DocEvent:
		return s.appendEvent(doc)
	case daqcore.DocStop:
		return s.closeForStop(doc)
	default:
		return daqcore.Internal(nil, "acqstore: unknown document kind %q", doc.Kind)
	}
}

func (s *Store) runPath(runUID string) string {
	return filepath.Join(s.dir, runUID+".parquet")
}
func (s *Store) sidecarPath(runUID string) string {
	return filepath.Join(s.dir, runUID+".meta.json")
}

func (s *Store) openForStart(doc daqcore.Document) error {
	path := s.runPath(doc.UID)
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		s.reportDisk(false)
		return fmt.Errorf("acqstore: create %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 4)
	if err != nil {
		fw.Close()
		s.reportDisk(false)
		return fmt.Errorf("acqstore: new parquet writer for %s: %w", path, err)
	}
	run := &openRun{
		fw:   fw,
		pw:   pw,
		path: path,
		meta: sidecarMeta{
			RunUID:      doc.UID,
			PlanName:    doc.PlanName,
			ScanID:      doc.ScanID,
			Metadata:    doc.Metadata,
			Descriptors: make(map[string]descriptorMeta),
			StartNs:     doc.TimeNs,
		},
	}
	s.mu.Lock()
	s.runs[doc.UID] = run
	s.mu.Unlock()
	return s.writeSidecar(run)
}

func (s *Store) runFor(runUID string) (*openRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runUID]
	if !ok {
		return nil, daqcore.NotFound("acqstore: no open run %q", runUID)
	}
	return run, nil
}

func (s *Store) recordDescriptor(doc daqcore.Document) error {
	run, err := s.runFor(doc.RunUID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.meta.Descriptors[doc.UID] = descriptorMeta{StreamName: doc.StreamName, Keys: doc.DataKeys}
	run.mu.Unlock()
	return s.writeSidecar(run)
}

func (s *Store) appendEvent(doc daqcore.Document) error {
	// Event documents carry DescriptorUID, not RunUID directly; the run
	// is whichever currently-open run owns that descriptor. The engine
	// only ever has one run open at a time, so we scan the small
	// open-run set rather than keep a second index.
	s.mu.Lock()
	var run *openRun
	for _, r := range s.runs {
		r.mu.Lock()
		_, owns := r.meta.Descriptors[doc.DescriptorUID]
		r.mu.Unlock()
		if owns {
			run = r
			break
		}
	}
	s.mu.Unlock()
	if run == nil {
		return daqcore.NotFound("acqstore: no open run owns descriptor %q", doc.DescriptorUID)
	}

	dataJSON, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("acqstore: encode event data: %w", err)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	row := eventRow{
		DescriptorUID: doc.DescriptorUID,
		StreamName:    run.meta.Descriptors[doc.DescriptorUID].StreamName,
		SeqNum:        int64(doc.SeqNum),
		TimestampNs:   doc.TimeNs,
		DataJSON:      string(dataJSON),
	}
	if err := run.pw.Write(row); err != nil {
		s.reportDisk(false)
		return fmt.Errorf("acqstore: write event row: %w", err)
	}
	run.rows++
	if run.rows%s.flushEvery == 0 {
		if err := run.pw.Flush(true); err != nil {
			s.reportDisk(false)
			return fmt.Errorf("acqstore: flush: %w", err)
		}
	}
	s.reportDisk(true)
	return nil
}

func (s *Store) closeForStop(doc daqcore.Document) error {
	run, err := s.runFor(doc.RunUID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.meta.StopNs = doc.TimeNs
	run.meta.ExitStatus = doc.ExitStatus
	run.meta.Reason = doc.Reason
	run.meta.NumEvents = doc.NumEvents
	run.mu.Unlock()

	if err := s.writeSidecar(run); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, doc.RunUID)
	return s.closeRun(run)
}

func (s *Store) closeRun(run *openRun) error {
	run.mu.Lock()
	defer run.mu.Unlock()
	if err := run.pw.WriteStop(); err != nil {
		s.reportDisk(false)
		return fmt.Errorf("acqstore: finalize %s: %w", run.path, err)
	}
	if err := run.fw.Close(); err != nil {
		s.reportDisk(false)
		return err
	}
	return nil
}

func (s *Store) writeSidecar(run *openRun) error {
	run.mu.Lock()
	meta := run.meta
	run.mu.Unlock()
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("acqstore: encode sidecar: %w", err)
	}
	if err := os.WriteFile(s.sidecarPath(meta.RunUID), b, 0644); err != nil {
		s.reportDisk(false)
		return err
	}
	return nil
}

// RecoverIncomplete scans dir for sidecars with no ExitStatus (meaning
// the daemon crashed or was killed mid-run) and marks them
// ExitIncomplete. It is called once at daemon startup, before any run is
// opened: the sidecar of a run that is still open in this process also
// has no ExitStatus and would be marked as well.
func RecoverIncomplete(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("acqstore: read %s: %w", dir, err)
	}
	var recovered []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		path := filepath.Join(dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("acqstore: recovery: read sidecar failed")
			continue
		}
		var meta sidecarMeta
		if err := json.Unmarshal(b, &meta); err != nil {
			log.Error().Err(err).Str("file", path).Msg("acqstore: recovery: parse sidecar failed")
			continue
		}
		if meta.ExitStatus != "" {
			continue
		}
		meta.ExitStatus = daqcore.ExitIncomplete
		meta.Reason = "daemon restarted without observing a Stop document for this run"
		out, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			continue
		}
		if err := os.WriteFile(path, out, 0644); err != nil {
			log.Error().Err(err).Str("file", path).Msg("acqstore: recovery: rewrite sidecar failed")
			continue
		}
		recovered = append(recovered, meta.RunUID)
		log.Warn().Str("run", meta.RunUID).Msg("acqstore: marked incomplete on startup recovery scan")
	}
	return recovered, nil
}

func summaryFromMeta(meta sidecarMeta, path string) AcquisitionSummary {
	var total uint64
	for _, n := range meta.NumEvents {
		total += n
	}
	return AcquisitionSummary{
		RunUID:         meta.RunUID,
		PlanName:       meta.PlanName,
		ScanID:         meta.ScanID,
		CreatedAtNs:    meta.StartNs,
		ExitStatus:     meta.ExitStatus,
		NumEventsTotal: total,
		FilePath:       path,
		UserNotes:      meta.UserNotes,
		Tags:           meta.Tags,
	}
}

// ListAcquisitions scans dir's sidecars and returns one
// AcquisitionSummary per run, sorted by run uid for a deterministic RPC
// response. filter, when non-empty, keeps only
// summaries whose PlanName matches it exactly; an empty filter returns
// everything.
func (s *Store) ListAcquisitions(filter string) ([]AcquisitionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("acqstore: read %s: %w", s.dir, err)
	}
	var out []AcquisitionSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		b, err := os.ReadFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("acqstore: list: read sidecar failed")
			continue
		}
		var meta sidecarMeta
		if err := json.Unmarshal(b, &meta); err != nil {
			log.Error().Err(err).Str("file", path).Msg("acqstore: list: parse sidecar failed")
			continue
		}
		if filter != "" && meta.PlanName != filter {
			continue
		}
		out = append(out, summaryFromMeta(meta, s.runPath(meta.RunUID)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunUID < out[j].RunUID })
	return out, nil
}

// GetAcquisition returns one run's summary (metadata plus the path of
// its Parquet file) by uid.
func (s *Store) GetAcquisition(runUID string) (AcquisitionSummary, error) {
	path := s.sidecarPath(runUID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AcquisitionSummary{}, daqcore.NotFound("acquisition %q not found", runUID)
		}
		return AcquisitionSummary{}, fmt.Errorf("acqstore: read %s: %w", path, err)
	}
	var meta sidecarMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return AcquisitionSummary{}, fmt.Errorf("acqstore: parse %s: %w", path, err)
	}
	return summaryFromMeta(meta, s.runPath(meta.RunUID)), nil
}

// AnnotateAcquisition sets a user note and adds tags to a closed (or still
// open) run's sidecar, transactionally rewriting the whole attribute
// block under annotateMu. notes, when non-empty, replaces
// UserNotes; tags are merged (deduplicated) into the existing tag set
// rather than replacing it, so repeated annotation calls accumulate
// tags instead of clobbering earlier ones.
func (s *Store) AnnotateAcquisition(runUID, notes string, tags []string) error {
	s.annotateMu.Lock()
	defer s.annotateMu.Unlock()

	path := s.sidecarPath(runUID)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return daqcore.NotFound("acquisition %q not found", runUID)
		}
		return fmt.Errorf("acqstore: read %s: %w", path, err)
	}
	var meta sidecarMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		return fmt.Errorf("acqstore: parse %s: %w", path, err)
	}

	if notes != "" {
		meta.UserNotes = notes
	}
	seen := make(map[string]bool, len(meta.Tags))
	for _, t := range meta.Tags {
		seen[t] = true
	}
	for _, t := range tags {
		if !seen[t] {
			meta.Tags = append(meta.Tags, t)
			seen[t] = true
		}
	}

	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("acqstore: encode sidecar: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}
