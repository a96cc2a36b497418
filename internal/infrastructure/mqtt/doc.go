// Package mqtt provides MQTT client connectivity for Tuya Bridge Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// The bridge uses MQTT as its outward surface: live property values and
// device reachability are published as retained state topics, and desired
// values arrive on set topics consumed by the state bridge.
//
//	Tuya Bridge Core ↔ MQTT Broker ↔ Home automation consumers
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to all inbound desired values
//	err = client.Subscribe(mqtt.Topics{}.AllPropertySets(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Publish a state update
//	topic := mqtt.Topics{}.PropertyState("home", "bf3a9c", "switch_led")
//	client.PublishRetained(topic, []byte(`{"value":true}`))
package mqtt
