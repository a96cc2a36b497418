package state

import (
	"sync"
	"time"
)

// Pending tracks whether a desired value write is outstanding. It encodes
// three shapes the pipeline distinguishes: not pending, pending without an
// attempt (set when a desired value arrives), and pending since a
// timestamp (set when a write was actually issued).
type Pending struct {
	flagged bool
	at      time.Time
}

// PendingFalse returns the not-pending value.
func PendingFalse() Pending { return Pending{} }

// PendingTrue returns the pending-without-attempt value.
func PendingTrue() Pending { return Pending{flagged: true} }

// PendingAt returns a pending value stamped with the write attempt time.
func PendingAt(t time.Time) Pending { return Pending{at: t.UTC()} }

// IsSet reports whether any write is outstanding.
func (p Pending) IsSet() bool { return p.flagged || !p.at.IsZero() }

// Flag reports whether the value is the literal "pending, no attempt yet"
// shape (as opposed to a timestamped attempt).
func (p Pending) Flag() bool { return p.flagged }

// Timestamp returns the attempt time, if the value carries one.
func (p Pending) Timestamp() (time.Time, bool) {
	if p.at.IsZero() {
		return time.Time{}, false
	}
	return p.at, true
}

// PropertyState is the live value record for a Dynamic property.
type PropertyState struct {
	// ActualValue is the last value the device reported.
	ActualValue any

	// ExpectedValue is a desired value not yet confirmed by the device.
	// Nil means nothing is expected.
	ExpectedValue any

	// Pending tracks the outstanding write for ExpectedValue.
	Pending Pending

	// Valid is false once the device is unreachable or the value is
	// otherwise untrusted.
	Valid bool
}

// Reason describes which aspect of a property state changed.
type Reason string

// Reason constants.
const (
	ReasonActual   Reason = "actual"
	ReasonExpected Reason = "expected"
	ReasonPending  Reason = "pending"
	ReasonValid    Reason = "valid"
	ReasonDeleted  Reason = "deleted"
)

// Change is delivered to listeners after a property state mutation.
type Change struct {
	PropertyID string
	Reason     Reason
	State      PropertyState
}

// Listener receives state change notifications. Listeners are invoked
// synchronously after the mutation and must not block.
type Listener func(Change)

// Store holds the live state of all Dynamic properties, keyed by property
// entity ID. It is a separate store from the entity metadata: discovery
// never creates states, and deleting a property's state does not touch the
// property itself.
//
// All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	props     map[string]PropertyState
	listeners []Listener
}

// NewStore creates an empty property state store.
func NewStore() *Store {
	return &Store{
		props: make(map[string]PropertyState),
	}
}

// OnChange registers a listener for state mutations. Must be called before
// the pipeline starts; registration is not synchronised with notification.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Get returns the state for a property, if one exists.
func (s *Store) Get(propertyID string) (PropertyState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.props[propertyID]
	return st, ok
}

// SetActual records a device-reported value and marks the state valid.
// Creates the state on first report. A report matching the outstanding
// expected value confirms the write: the expectation and pending marker
// are cleared together, which stops the periodic writer from re-issuing
// an already-applied command.
func (s *Store) SetActual(propertyID string, value any) {
	s.mutate(propertyID, ReasonActual, func(st *PropertyState) {
		st.ActualValue = value
		st.Valid = true
		if st.ExpectedValue != nil && valuesEqual(value, st.ExpectedValue) {
			st.ExpectedValue = nil
			st.Pending = PendingFalse()
		}
	})
}

// SetExpected records a desired value and flags a write as pending.
// A nil value clears the expectation entirely.
func (s *Store) SetExpected(propertyID string, value any) {
	s.mutate(propertyID, ReasonExpected, func(st *PropertyState) {
		st.ExpectedValue = value
		if value == nil {
			st.Pending = PendingFalse()
		} else {
			st.Pending = PendingTrue()
		}
	})
}

// SetPending updates only the pending marker.
func (s *Store) SetPending(propertyID string, p Pending) {
	s.mutate(propertyID, ReasonPending, func(st *PropertyState) {
		st.Pending = p
	})
}

// Abandon drops the expected value and pending marker together. The two
// always change as a pair on abandonment.
func (s *Store) Abandon(propertyID string) {
	s.mutate(propertyID, ReasonExpected, func(st *PropertyState) {
		st.ExpectedValue = nil
		st.Pending = PendingFalse()
	})
}

// Invalidate marks the state invalid without touching any other field.
// Properties that never reported have nothing to invalidate, so no state
// is created and no change is published for them.
func (s *Store) Invalidate(propertyID string) {
	s.mu.Lock()
	st, ok := s.props[propertyID]
	if !ok || !st.Valid {
		s.mu.Unlock()
		return
	}
	st.Valid = false
	s.props[propertyID] = st
	listeners := s.listeners
	s.mu.Unlock()

	change := Change{PropertyID: propertyID, Reason: ReasonValid, State: st}
	for _, fn := range listeners {
		fn(change)
	}
}

// Delete discards the state for a property, if any. Used when discovery
// refreshes a property whose format may have changed.
func (s *Store) Delete(propertyID string) {
	s.mu.Lock()
	_, existed := s.props[propertyID]
	delete(s.props, propertyID)
	listeners := s.listeners
	s.mu.Unlock()

	if !existed {
		return
	}
	change := Change{PropertyID: propertyID, Reason: ReasonDeleted}
	for _, fn := range listeners {
		fn(change)
	}
}

// valuesEqual compares a reported value against an expectation. Reports
// arrive as decoded JSON while expectations come from write commands, so
// numeric values are compared as float64 regardless of the Go type each
// side happens to carry.
func valuesEqual(reported, expected any) bool {
	rf, rok := asFloat(reported)
	ef, eok := asFloat(expected)
	if rok && eok {
		return rf == ef
	}
	return reported == expected
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// mutate applies fn to the (possibly new) state for propertyID and
// notifies listeners.
func (s *Store) mutate(propertyID string, reason Reason, fn func(*PropertyState)) {
	s.mu.Lock()
	st := s.props[propertyID]
	fn(&st)
	s.props[propertyID] = st
	listeners := s.listeners
	s.mu.Unlock()

	change := Change{PropertyID: propertyID, Reason: reason, State: st}
	for _, fn := range listeners {
		fn(change)
	}
}
