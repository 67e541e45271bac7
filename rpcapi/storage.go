package rpcapi

import (
	"github.com/usnistgov/daqcore"
	"github.com/usnistgov/daqcore/acqstore"
)

// StorageService is the JSON-RPC object registered under "Storage". It
// wraps the acquisition store directly, the same way HardwareService and
// ParametersService wrap *daqcore.Registry directly rather than behind
// an interface: only RingFillSource, satisfied by more than one
// concrete type, earns that treatment here.
type StorageService struct {
	store *acqstore.Store
}

// NewStorageService wraps an acquisition store. store may be nil if no
// durable storage is configured; GetAcquisition and AnnotateAcquisition
// then return NotFound, and ListAcquisitions returns an empty list.
func NewStorageService(store *acqstore.Store) *StorageService {
	return &StorageService{store: store}
}

// ListAcquisitionsArgs filters by exact plan name; empty returns everything.
type ListAcquisitionsArgs struct {
	PlanNameFilter string
}

// ListAcquisitionsReply carries every matching acquisition's summary.
type ListAcquisitionsReply struct {
	Acquisitions []acqstore.AcquisitionSummary
}

// ListAcquisitions enumerates closed (and still-open) acquisitions.
func (s *StorageService) ListAcquisitions(args *ListAcquisitionsArgs, reply *ListAcquisitionsReply) error {
	if s.store == nil {
		reply.Acquisitions = nil
		return nil
	}
	summaries, err := s.store.ListAcquisitions(args.PlanNameFilter)
	if err != nil {
		return err
	}
	reply.Acquisitions = summaries
	return nil
}

// GetAcquisitionArgs identifies one run by uid.
type GetAcquisitionArgs struct {
	RunUID string
}

// GetAcquisitionReply carries that run's summary.
type GetAcquisitionReply struct {
	Summary acqstore.AcquisitionSummary
}

// GetAcquisition returns one acquisition's metadata and file path.
func (s *StorageService) GetAcquisition(args *GetAcquisitionArgs, reply *GetAcquisitionReply) error {
	if s.store == nil {
		return daqcore.NotFound("acquisition %q not found", args.RunUID)
	}
	summary, err := s.store.GetAcquisition(args.RunUID)
	if err != nil {
		return err
	}
	reply.Summary = summary
	return nil
}

// AnnotateAcquisitionArgs carries the post-hoc annotation to apply.
type AnnotateAcquisitionArgs struct {
	RunUID string
	Notes  string
	Tags   []string
}

// AnnotateAcquisition sets a run's user note (when Notes is non-empty)
// and adds tags.
func (s *StorageService) AnnotateAcquisition(args *AnnotateAcquisitionArgs, reply *bool) error {
	if s.store == nil {
		return daqcore.NotFound("acquisition %q not found", args.RunUID)
	}
	if err := s.store.AnnotateAcquisition(args.RunUID, args.Notes, args.Tags); err != nil {
		return err
	}
	*reply = true
	return nil
}
