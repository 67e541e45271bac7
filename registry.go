package daqcore

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// entry is everything the registry keeps about one registered device. A
// device implements capabilities à la carte; absent capabilities are nil
// and the typed accessors report that with ok=false rather than panicking.
type entry struct {
	device       Device
	movable      Movable
	readable     Readable
	triggerable  Triggerable
	exposure     ExposureControl
	frames       FrameProducer
	shutter      ShutterControl
	emission     EmissionControl
	wavelength   WavelengthTunable
	parameterized Parameterized
}

func (e *entry) tags() []CapabilityTag {
	var tags []CapabilityTag
	if e.movable != nil {
		tags = append(tags, TagMovable)
	}
	if e.readable != nil {
		tags = append(tags, TagReadable)
	}
	if e.triggerable != nil {
		tags = append(tags, TagTriggerable)
	}
	if e.exposure != nil {
		tags = append(tags, TagExposureControl)
	}
	if e.frames != nil {
		tags = append(tags, TagFrameProducer)
	}
	if e.shutter != nil {
		tags = append(tags, TagShutterControl)
	}
	if e.emission != nil {
		tags = append(tags, TagEmissionControl)
	}
	if e.wavelength != nil {
		tags = append(tags, TagWavelengthTunable)
	}
	if e.parameterized != nil {
		tags = append(tags, TagParameterized)
	}
	return tags
}

// Registry is the process-wide store mapping device id to capability
// handles. It is read-heavy (RPC handlers, the plan engine, and scripts
// all read concurrently); writes happen only at daemon startup/shutdown
// or explicit deregistration, so a single RWMutex is the right tool.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	// runInProgress gates Deregister: a device may not be removed while
	// a plan is running. Set by the engine via SetRunInProgress.
	runInProgress bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds device to the registry, inspecting it for the
// capabilities it implements via Go interface assertions. It fails with
// a ValidationError if id already exists.
func (r *Registry) Register(device Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := device.ID()
	if _, exists := r.entries[id]; exists {
		return ValidationError("device id %q already registered", id).WithDevice(id)
	}
	e := &entry{device: device}
	if v, ok := device.(Movable); ok {
		e.movable = v
	}
	if v, ok := device.(Readable); ok {
		e.readable = v
	}
	if v, ok := device.(Triggerable); ok {
		e.triggerable = v
	}
	if v, ok := device.(ExposureControl); ok {
		e.exposure = v
	}
	if v, ok := device.(FrameProducer); ok {
		e.frames = v
	}
	if v, ok := device.(ShutterControl); ok {
		e.shutter = v
	}
	if v, ok := device.(EmissionControl); ok {
		e.emission = v
	}
	if v, ok := device.(WavelengthTunable); ok {
		e.wavelength = v
	}
	if v, ok := device.(Parameterized); ok {
		e.parameterized = v
	}
	r.entries[id] = e
	log.Info().Str("device", id).Str("driver", device.DriverType()).Strs("capabilities", tagStrings(e.tags())).Msg("device registered")
	return nil
}

func tagStrings(tags []CapabilityTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// Deregister removes a device. It fails with StateError if a plan is
// currently in progress.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runInProgress {
		return StateError("cannot deregister %q while a plan is running", id).WithDevice(id)
	}
	if _, ok := r.entries[id]; !ok {
		return NotFound("device %q not registered", id).WithDevice(id)
	}
	delete(r.entries, id)
	log.Info().Str("device", id).Msg("device deregistered")
	return nil
}

// SetRunInProgress is called by the run engine on every state transition
// so Deregister can enforce its no-plan-in-progress rule.
func (r *Registry) SetRunInProgress(inProgress bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runInProgress = inProgress
}

// List returns a DeviceDescriptor per registered device, sorted by id for
// deterministic RPC responses.
func (r *Registry) List() []DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceDescriptor, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, DeviceDescriptor{
			ID:           id,
			Name:         e.device.Name(),
			DriverType:   e.device.DriverType(),
			Capabilities: e.tags(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilterByCapability enumerates device ids implementing tag, sorted.
func (r *Registry) FilterByCapability(tag CapabilityTag) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		for _, t := range e.tags() {
			if t == tag {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, NotFound("device %q not registered", id).WithDevice(id)
	}
	return e, nil
}

// GetMovable returns the Movable handle for id, or ok=false if the device
// does not implement that capability.
func (r *Registry) GetMovable(id string) (Movable, bool) {
	e, err := r.lookup(id)
	if err != nil || e.movable == nil {
		return nil, false
	}
	return e.movable, true
}

// GetReadable returns the Readable handle for id.
func (r *Registry) GetReadable(id string) (Readable, bool) {
	e, err := r.lookup(id)
	if err != nil || e.readable == nil {
		return nil, false
	}
	return e.readable, true
}

// GetTriggerable returns the Triggerable handle for id.
func (r *Registry) GetTriggerable(id string) (Triggerable, bool) {
	e, err := r.lookup(id)
	if err != nil || e.triggerable == nil {
		return nil, false
	}
	return e.triggerable, true
}

// GetExposureControl returns the ExposureControl handle for id.
func (r *Registry) GetExposureControl(id string) (ExposureControl, bool) {
	e, err := r.lookup(id)
	if err != nil || e.exposure == nil {
		return nil, false
	}
	return e.exposure, true
}

// GetFrameProducer returns the FrameProducer handle for id.
func (r *Registry) GetFrameProducer(id string) (FrameProducer, bool) {
	e, err := r.lookup(id)
	if err != nil || e.frames == nil {
		return nil, false
	}
	return e.frames, true
}

// GetShutterControl returns the ShutterControl handle for id.
func (r *Registry) GetShutterControl(id string) (ShutterControl, bool) {
	e, err := r.lookup(id)
	if err != nil || e.shutter == nil {
		return nil, false
	}
	return e.shutter, true
}

// GetEmissionControl returns the EmissionControl handle for id.
func (r *Registry) GetEmissionControl(id string) (EmissionControl, bool) {
	e, err := r.lookup(id)
	if err != nil || e.emission == nil {
		return nil, false
	}
	return e.emission, true
}

// GetWavelengthTunable returns the WavelengthTunable handle for id.
func (r *Registry) GetWavelengthTunable(id string) (WavelengthTunable, bool) {
	e, err := r.lookup(id)
	if err != nil || e.wavelength == nil {
		return nil, false
	}
	return e.wavelength, true
}

// GetParameterized returns the Parameterized handle for id.
func (r *Registry) GetParameterized(id string) (Parameterized, bool) {
	e, err := r.lookup(id)
	if err != nil || e.parameterized == nil {
		return nil, false
	}
	return e.parameterized, true
}

// Descriptor returns a single device's descriptor, or NotFound.
func (r *Registry) Descriptor(id string) (DeviceDescriptor, error) {
	e, err := r.lookup(id)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	return DeviceDescriptor{ID: id, Name: e.device.Name(), DriverType: e.device.DriverType(), Capabilities: e.tags()}, nil
}
