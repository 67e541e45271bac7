package rpcapi

import "github.com/usnistgov/daqcore"

// RunEngineService is the JSON-RPC object registered under "RunEngine",
// driving the plan-execution state machine.
type RunEngineService struct {
	engine *daqcore.RunEngine
	plans  map[string]daqcore.Plan
}

// NewRunEngineService wraps engine. plans is the set of built-in plans
// addressable by name from QueueArgs.PlanName; `daqd run` scripts and
// the RPC surface share the same named-plan vocabulary.
func NewRunEngineService(engine *daqcore.RunEngine, plans map[string]daqcore.Plan) *RunEngineService {
	return &RunEngineService{engine: engine, plans: plans}
}

// QueueArgs carries a plan spec and its run metadata. Two shapes are
// accepted: PlanType plus Args builds a parameterized plan from the
// request itself (e.g. PlanType "LineScan", Args {"axis": "stage1",
// "start": 0, "stop": 2, "n_points": 3, "detector": "det1"}); PlanName
// alone addresses one of the server's preconfigured plans by name.
type QueueArgs struct {
	PlanName string
	PlanType string
	Args     map[string]any
	Metadata map[string]string
}

// QueueReply carries the freshly allocated run uid.
type QueueReply struct {
	RunUID string
}

// Queue builds or looks up the requested plan and queues it. Parameter
// validation runs inside engine.Queue, so a malformed plan spec fails
// here with ValidationError and no run uid is issued.
func (s *RunEngineService) Queue(args *QueueArgs, reply *QueueReply) error {
	var plan daqcore.Plan
	if args.PlanType != "" {
		p, err := daqcore.BuildPlan(args.PlanType, args.Args)
		if err != nil {
			return err
		}
		plan = p
	} else {
		p, ok := s.plans[args.PlanName]
		if !ok {
			return daqcore.NotFound("no registered plan named %q", args.PlanName)
		}
		plan = p
	}
	uid, err := s.engine.Queue(plan, args.Metadata)
	if err != nil {
		return err
	}
	reply.RunUID = uid
	return nil
}

// RunUIDArgs is shared by Run, Pause, and Resume.
type RunUIDArgs struct {
	RunUID string
}

// Run starts executing the plan queued under args.RunUID.
func (s *RunEngineService) Run(args *RunUIDArgs, reply *bool) error {
	if err := s.engine.Run(args.RunUID); err != nil {
		return err
	}
	*reply = true
	return nil
}

// Pause requests a pause, taking effect at the plan's next Checkpoint.
func (s *RunEngineService) Pause(args *RunUIDArgs, reply *bool) error {
	if err := s.engine.Pause(args.RunUID); err != nil {
		return err
	}
	*reply = true
	return nil
}

// Resume resumes a paused run.
func (s *RunEngineService) Resume(args *RunUIDArgs, reply *bool) error {
	if err := s.engine.Resume(args.RunUID); err != nil {
		return err
	}
	*reply = true
	return nil
}

// AbortArgs carries the operator-supplied abort reason.
type AbortArgs struct {
	RunUID string
	Reason string
}

// Abort requests a best-effort immediate stop.
func (s *RunEngineService) Abort(args *AbortArgs, reply *bool) error {
	if err := s.engine.Abort(args.RunUID, args.Reason); err != nil {
		return err
	}
	*reply = true
	return nil
}

// GetStateReply carries the engine's current state.
type GetStateReply struct {
	State daqcore.State
}

// GetState reports the engine's current state.
func (s *RunEngineService) GetState(_ *struct{}, reply *GetStateReply) error {
	reply.State = s.engine.State()
	return nil
}

// ListPlansReply carries the names of every registered plan.
type ListPlansReply struct {
	Names []string
}

// ListPlans enumerates the plans Queue will accept by name.
func (s *RunEngineService) ListPlans(_ *struct{}, reply *ListPlansReply) error {
	names := make([]string, 0, len(s.plans))
	for name := range s.plans {
		names = append(names, name)
	}
	reply.Names = names
	return nil
}
