package daqcore

// ExitStatus is the terminal state of a Stop document.
type ExitStatus string

const (
	ExitSuccess    ExitStatus = "success"
	ExitFailed     ExitStatus = "failed"
	ExitAborted    ExitStatus = "aborted"
	ExitIncomplete ExitStatus = "incomplete" // assigned by crash recovery, never by the engine itself
)

// DataKey declares one column of a Descriptor's stream schema.
type DataKey struct {
	Name   string
	Dtype  string // "f64", "i64", "string", "bool", or an image/array tag
	Shape  []int  // empty for scalars
	Unit   string
	Source string // device id or "synthetic"
}

// DocumentKind tags which variant of Document a value holds.
type DocumentKind string

const (
	DocStart      DocumentKind = "start"
	DocDescriptor DocumentKind = "descriptor"
	DocEvent      DocumentKind = "event"
	DocStop       DocumentKind = "stop"
)

// Document is one of the four variants forming a run's lifecycle.
// Exactly one of the per-kind field groups below is meaningful, selected
// by Kind: a flat tag-plus-fields struct serializes cleanly and keeps
// every consumer switch-based rather than type-assertion-based.
type Document struct {
	Kind DocumentKind

	// Start
	UID        string
	TimeNs     int64
	PlanName   string
	ScanID     string
	Metadata   map[string]string

	// Descriptor
	RunUID     string
	StreamName string
	DataKeys   []DataKey

	// Event
	DescriptorUID string
	SeqNum        uint64
	Data          map[string]any
	Timestamps    map[string]int64

	// Stop
	ExitStatus ExitStatus
	Reason     string
	NumEvents  map[string]uint64
}

// NewStart builds a Start document.
func NewStart(uid, planName, scanID string, timeNs int64, metadata map[string]string) Document {
	return Document{Kind: DocStart, UID: uid, TimeNs: timeNs, PlanName: planName, ScanID: scanID, Metadata: metadata}
}

// NewDescriptor builds a Descriptor document referencing an open run.
func NewDescriptor(uid, runUID, streamName string, keys []DataKey) Document {
	return Document{Kind: DocDescriptor, UID: uid, RunUID: runUID, StreamName: streamName, DataKeys: keys}
}

// NewEvent builds an Event document against an already-issued descriptor.
func NewEvent(uid, descriptorUID string, seqNum uint64, timeNs int64, data map[string]any, timestamps map[string]int64) Document {
	return Document{Kind: DocEvent, UID: uid, DescriptorUID: descriptorUID, SeqNum: seqNum, TimeNs: timeNs, Data: data, Timestamps: timestamps}
}

// NewStop builds a Stop document closing a run.
func NewStop(uid, runUID string, timeNs int64, status ExitStatus, reason string, numEvents map[string]uint64) Document {
	return Document{Kind: DocStop, UID: uid, RunUID: runUID, TimeNs: timeNs, ExitStatus: status, Reason: reason, NumEvents: numEvents}
}
