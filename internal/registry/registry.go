// Package registry is the in-memory index of devices: a process-wide map
// keyed by DeviceID, an outer lock guarding the map's shape, and a
// single per-device write lock acquired once per compound mutation.
//
// The reference registry this package replaces nested a read lock (to find
// an entry) with a later, separate write lock (to mutate it) -- a
// read-then-write gap a concurrent Remove could race into. This registry
// instead keeps the outer lock held for the entire duration of a per-device
// mutation, so "find the device" and "mutate the device" happen inside one
// critical section. See SPEC_FULL.md §9 design notes.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/monisens/monisens/pkg/driverabi"
	"github.com/monisens/monisens/pkg/merrors"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

// entry is one device's registry slot: its data plus an optional live
// driver handle, guarded by its own lock.
type entry struct {
	mu     sync.RWMutex
	device models.Device
	handle driverabi.Handle // non-nil while a driver is loaded for the device
}

// Registry is the process-wide device index.
type Registry struct {
	mu      sync.RWMutex // guards the map's shape (insert/remove) and membership lookups
	devices map[models.DeviceID]*entry
	lastID  atomic.Uint32
	logger  *zap.Logger
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[models.DeviceID]*entry),
		logger:  logger,
	}
}

// NextID allocates a new DeviceID. Allocation is fetch-add and unconditional
// -- even a rolled-back start_device_init does not reclaim the id (gap
// tolerance is explicit; see spec §4.2).
func (r *Registry) NextID() models.DeviceID {
	return models.DeviceID(r.lastID.Add(1))
}

// RaiseFloor ensures the next allocated id is strictly greater than max.
// Used by the startup reconciler to set last_id = MAX(device.id).
func (r *Registry) RaiseFloor(max models.DeviceID) {
	for {
		cur := r.lastID.Load()
		if models.DeviceID(cur) >= max {
			return
		}
		if r.lastID.CompareAndSwap(cur, uint32(max)) {
			return
		}
	}
}

// Insert adds a new device to the registry. Returns KindAlreadyExists if the
// id is already present.
func (r *Registry) Insert(dev models.Device) error {
	return r.InsertWithHandle(dev, nil)
}

// InsertWithHandle adds a new device to the registry along with its live
// driver handle, set atomically so no caller ever observes a registered
// device without one. Returns KindAlreadyExists if the id is already
// present.
func (r *Registry) InsertWithHandle(dev models.Device, handle driverabi.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[dev.ID]; exists {
		return merrors.AlreadyExistsf("device %d already registered", dev.ID)
	}
	r.devices[dev.ID] = &entry{device: cloneDevice(dev), handle: handle}
	return nil
}

// Remove deletes a device from the registry. A no-op if absent.
func (r *Registry) Remove(id models.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Get returns a snapshot copy of a device's current state.
func (r *Registry) Get(id models.DeviceID) (models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return models.Device{}, merrors.NotFound(models.EntityDevice, fmt.Sprintf("%d", id))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneDevice(e.device), nil
}

// Handle returns the live driver handle loaded for a device, if any.
func (r *Registry) Handle(id models.DeviceID) (driverabi.Handle, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return nil, false, merrors.NotFound(models.EntityDevice, fmt.Sprintf("%d", id))
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle, e.handle != nil, nil
}

// Mutate runs fn against a device's live state under the per-device write
// lock, itself held while the outer map lock is held for reading. This is
// the registry's sole mutation entry point for existing entries: callers
// never "get, then separately write" -- find and mutate happen in the same
// critical section.
func (r *Registry) Mutate(id models.DeviceID, fn func(dev *models.Device, handle *driverabi.Handle) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[id]
	if !ok {
		return merrors.NotFound(models.EntityDevice, fmt.Sprintf("%d", id))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&e.device, &e.handle)
}

// IDs returns every registered device id, ascending. Pure read; per spec §5
// this does not suspend.
func (r *Registry) IDs() []models.DeviceID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]models.DeviceID, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InfoList returns a snapshot of every device whose InitState has reached
// InitStateSensors, ascending by id.
func (r *Registry) InfoList() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Device, 0, len(r.devices))
	for _, e := range r.devices {
		e.mu.RLock()
		if e.device.InitState == models.InitStateSensors {
			out = append(out, cloneDevice(e.device))
		}
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a snapshot of every registered device regardless of state,
// ascending by id. Used by the startup reconciler and diagnostics.
func (r *Registry) All() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Device, 0, len(r.devices))
	for _, e := range r.devices {
		e.mu.RLock()
		out = append(out, cloneDevice(e.device))
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneDevice(d models.Device) models.Device {
	clone := d
	if d.Sensors != nil {
		clone.Sensors = make(map[string]models.Sensor, len(d.Sensors))
		for k, s := range d.Sensors {
			sc := s
			if s.Fields != nil {
				sc.Fields = make(map[string]models.FieldType, len(s.Fields))
				for fk, fv := range s.Fields {
					sc.Fields[fk] = fv
				}
			}
			clone.Sensors[k] = sc
		}
	}
	return clone
}
