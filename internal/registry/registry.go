// Package registry holds the descriptors of every simulated device.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"iot-sim-gateway/internal/data"
)

var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDuplicateDevice = errors.New("duplicate device id")
)

type entry struct {
	device data.Device // immutable after Register; Last is kept in last
	last   atomic.Pointer[data.Reading]
}

// Registry is safe for concurrent use. Devices are registered once at startup and never removed.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
	order   []string
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]*entry),
	}
}

// Register adds a device. It fails if the id is empty or already present.
func (r *Registry) Register(device data.Device) error {
	if device.ID == "" {
		return fmt.Errorf("register device: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, device.ID)
	}

	e := &entry{device: device}
	e.device.Last = nil
	e.device.Meta = copyMeta(device.Meta)
	if device.Last != nil {
		last := *device.Last
		e.last.Store(&last)
	}
	r.devices[device.ID] = e
	r.order = append(r.order, device.ID)
	return nil
}

// Get returns a copy of the device with its latest reading.
func (r *Registry) Get(id string) (data.Device, error) {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return data.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns a snapshot of all devices in registration order.
func (r *Registry) List() []data.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]data.Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id].snapshot())
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// UpdateLastReading replaces the device's latest reading. Concurrent readers observe
// either the previous or the new reading, never a mix.
func (r *Registry) UpdateLastReading(id string, reading data.Reading) error {
	r.mu.RLock()
	e, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	fields := make(map[string]float64, len(reading.Fields))
	for k, v := range reading.Fields {
		fields[k] = v
	}
	reading.Fields = fields
	e.last.Store(&reading)
	return nil
}

func (e *entry) snapshot() data.Device {
	d := e.device
	d.Meta = copyMeta(e.device.Meta)
	// Stored readings are never mutated, sharing the pointer is safe.
	d.Last = e.last.Load()
	return d
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
