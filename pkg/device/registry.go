package device

import (
	"sort"
	"sync"
)

// Registry is the data path's view of the device pool: every device known
// to this filesystem, keyed by ID. The allocator, read pipeline, and move
// engine all consult it rather than holding their own device lists.
type Registry struct {
	mu      sync.RWMutex
	devices map[int]*Device
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[int]*Device)}
}

// Add registers a device, replacing any existing entry with the same ID.
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Get returns the device with the given ID, if known.
func (r *Registry) Get(id int) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Generation returns the current generation of device id, or 0 if the
// device is unknown — a pointer referencing an unknown device is always
// treated as stale.
func (r *Registry) Generation(id int) uint64 {
	d, ok := r.Get(id)
	if !ok {
		return 0
	}
	return d.Generation()
}

// Live returns every non-dying device, ordered by ID for deterministic
// tie-breaking in the read pipeline's replica pick.
func (r *Registry) Live() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.Dying() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every known device, dying or not, ordered by ID.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove evicts a device after it has been fully evacuated, bumping its
// generation first so any pointer still referencing it (cached copies the
// move engine didn't reach) is detected as stale rather than silently
// reused if the same ID is later reassigned to a new device.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.BumpGeneration()
		d.MarkDying()
	}
	delete(r.devices, id)
}
