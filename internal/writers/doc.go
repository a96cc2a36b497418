// Package writers produces outbound write messages from desired property
// values. The Periodic writer sweeps connected devices on a tick with
// debounce and stale-pending retry; the Event writer reacts to state
// change notifications for immediate dispatch. Both feed the same queue
// the consumers drain.
package writers
