// Package influxdb provides InfluxDB connectivity for Tuya Bridge Core.
//
// It wraps the official influxdb-client-go v2 library with Tuya Bridge-specific
// patterns for connection management, state-history writing, and health
// monitoring.
//
// # Purpose
//
// This package handles time-series storage for:
//   - Property state history (live readings with validity)
//   - Device connection-state transitions
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "home",
//	    Bucket: "tuyabridge",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Record a reading
//	client.WritePropertyState("home", "bf3a9c", "temp_current", 21.5, true)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This reduces network overhead for high-frequency state updates.
package influxdb
