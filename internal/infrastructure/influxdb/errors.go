package influxdb

import "errors"

// Sentinel errors for the history store, matched with errors.Is.
var (
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled means the integration is switched off in config. Callers
	// run without history rather than failing.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
