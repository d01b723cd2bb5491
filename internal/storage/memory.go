// internal/storage/memory.go
package storage

import (
	"sync"

	"iot-sim-gateway/internal/data"
)

const DefaultCapacity = 200 // Keep the last 200 readings per device

// deviceLog is the bounded FIFO of one device. Only the owning device loop appends to it.
type deviceLog struct {
	mu     sync.RWMutex
	buffer []data.HistoryEntry
}

// MemoryStore keeps a bounded recent history per device.
type MemoryStore struct {
	mu       sync.RWMutex
	logs     map[string]*deviceLog
	capacity int
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		logs:     make(map[string]*deviceLog),
		capacity: capacity,
	}
}

// Capacity returns the per-device history limit.
func (s *MemoryStore) Capacity() int {
	return s.capacity
}

// Append adds entry to the tail of the device's history, evicting the oldest
// entry when the history is full.
func (s *MemoryStore) Append(deviceID string, entry data.HistoryEntry) {
	l := s.logFor(deviceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buffer) >= s.capacity {
		// Shift in place so the backing array never grows past capacity
		n := copy(l.buffer, l.buffer[len(l.buffer)-s.capacity+1:])
		l.buffer = l.buffer[:n]
	}
	l.buffer = append(l.buffer, entry)
}

// Snapshot returns a copy of the device's history, oldest first. Unknown devices
// yield an empty slice.
func (s *MemoryStore) Snapshot(deviceID string) []data.HistoryEntry {
	return s.Recent(deviceID, 0)
}

// Recent returns a copy of the newest count entries, oldest first. A count <= 0
// returns the whole history.
func (s *MemoryStore) Recent(deviceID string, count int) []data.HistoryEntry {
	s.mu.RLock()
	l, ok := s.logs[deviceID]
	s.mu.RUnlock()
	if !ok {
		return []data.HistoryEntry{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if count <= 0 || count > len(l.buffer) {
		count = len(l.buffer)
	}
	// Return a copy to avoid race conditions if the caller modifies it
	result := make([]data.HistoryEntry, count)
	copy(result, l.buffer[len(l.buffer)-count:])
	return result
}

// Len returns the number of entries held for a device.
func (s *MemoryStore) Len(deviceID string) int {
	s.mu.RLock()
	l, ok := s.logs[deviceID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffer)
}

func (s *MemoryStore) logFor(deviceID string) *deviceLog {
	s.mu.RLock()
	l, ok := s.logs[deviceID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another loop may have created it between the two locks
	if l, ok = s.logs[deviceID]; ok {
		return l
	}
	l = &deviceLog{buffer: make([]data.HistoryEntry, 0, s.capacity)}
	s.logs[deviceID] = l
	return l
}
