// Package state holds the live value records for Dynamic properties and
// the reachability status of devices.
//
// States are kept in memory, separate from the persisted entity model in
// internal/device: discovery consumers create and update entity metadata
// but never states, while the state-handling consumers and writers mutate
// only states. Both stores notify registered listeners synchronously after
// every mutation, which drives the Event Writer and the outward state
// bridge without coupling consumers to either.
package state
