// Package queue provides the message pipeline backbone for Tuya Bridge
// Core: a closed set of typed message variants, a thread-safe FIFO queue,
// and a dispatcher that routes one message at a time to an ordered list of
// consumers.
//
// Producers push from any goroutine; exactly one dispatcher goroutine
// drains the queue, which serialises all entity and state mutation and
// gives sequential consistency per device without further locking in the
// consumers.
//
// Delivery is at-most-once. A message no consumer claims is logged with
// its full payload and dropped; recovery relies on re-discovery
// re-delivering equivalent messages later.
package queue
