package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePropertyState records one live property reading. The write is
// batched and sent asynchronously.
//
// Numeric values land in a "value" field, booleans in "value_bool" and
// strings in "value_text", so a bucket never sees conflicting field types
// for the same measurement.
func (c *Client) WritePropertyState(connector, deviceIdentifier, propertyIdentifier string, value any, valid bool) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"valid": valid,
	}
	switch v := value.(type) {
	case float64:
		fields["value"] = v
	case float32:
		fields["value"] = float64(v)
	case int:
		fields["value"] = float64(v)
	case int64:
		fields["value"] = float64(v)
	case bool:
		fields["value_bool"] = v
	case string:
		fields["value_text"] = v
	default:
		return
	}

	point := write.NewPoint(
		"property_state",
		map[string]string{
			"connector": connector,
			"device":    deviceIdentifier,
			"property":  propertyIdentifier,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteConnectionState records a device reachability transition.
func (c *Client) WriteConnectionState(connector, deviceIdentifier, state string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"connection_state",
		map[string]string{
			"connector": connector,
			"device":    deviceIdentifier,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

