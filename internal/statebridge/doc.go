// Package statebridge connects the in-memory state stores to the outside
// world. Property and connection changes fan out to MQTT (retained live
// topics) and InfluxDB (history); inbound MQTT set commands become
// expected values on the state store, which the event writer picks up.
//
// The bridge never mutates entities and never talks to devices; it is a
// pure adapter between the stores and the sinks.
package statebridge
