package state

import (
	"sync"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
)

// ConnectionChange is delivered to listeners after a device transitions to
// a new connection state.
type ConnectionChange struct {
	DeviceID string
	Previous device.ConnectionState
	Current  device.ConnectionState
}

// ConnectionListener receives connection transitions. Invoked synchronously
// after the transition; must not block.
type ConnectionListener func(ConnectionChange)

// ConnectionStore tracks the reachability status of every device. A device
// that was never reported is "unknown".
//
// All methods are safe for concurrent use.
type ConnectionStore struct {
	mu        sync.RWMutex
	states    map[string]device.ConnectionState
	listeners []ConnectionListener
}

// NewConnectionStore creates an empty connection state store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{
		states: make(map[string]device.ConnectionState),
	}
}

// OnChange registers a listener for connection transitions. Must be called
// before the pipeline starts.
func (s *ConnectionStore) OnChange(fn ConnectionListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns the current connection state of a device.
func (s *ConnectionStore) Get(deviceID string) device.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[deviceID]; ok {
		return st
	}
	return device.StateUnknown
}

// Set applies a transition. Writes are transition-only: setting the state
// a device already holds is a no-op and returns false.
func (s *ConnectionStore) Set(deviceID string, next device.ConnectionState) bool {
	s.mu.Lock()
	prev, ok := s.states[deviceID]
	if !ok {
		prev = device.StateUnknown
	}
	if prev == next {
		s.mu.Unlock()
		return false
	}
	s.states[deviceID] = next
	listeners := s.listeners
	s.mu.Unlock()

	change := ConnectionChange{DeviceID: deviceID, Previous: prev, Current: next}
	for _, fn := range listeners {
		fn(change)
	}
	return true
}
