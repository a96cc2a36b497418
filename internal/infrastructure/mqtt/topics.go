package mqtt

import "fmt"

// Topic prefixes for the bridge's MQTT surface.
//
// All topics use the flat scheme: tuyabridge/{category}/{connector}/{...}
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "tuyabridge"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "tuyabridge/system"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.PropertyState("home", "bf3a9c...", "switch_led")
//	// Returns: "tuyabridge/state/home/bf3a9c.../switch_led"
type Topics struct{}

// PropertyState returns the topic for live property value updates.
//
// Example: tuyabridge/state/home/bf3a9c/switch_led
func (Topics) PropertyState(connector, deviceIdentifier, propertyIdentifier string) string {
	return fmt.Sprintf("%s/state/%s/%s/%s", TopicPrefix, connector, deviceIdentifier, propertyIdentifier)
}

// DeviceConnection returns the topic for device reachability updates.
//
// Example: tuyabridge/connection/home/bf3a9c
func (Topics) DeviceConnection(connector, deviceIdentifier string) string {
	return fmt.Sprintf("%s/connection/%s/%s", TopicPrefix, connector, deviceIdentifier)
}

// SystemStatus returns the system status topic carrying online/offline
// payloads and the LWT.
//
// Example: tuyabridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllPropertySets returns a pattern matching every inbound desired-value
// topic.
//
// Pattern: tuyabridge/set/+/+/+
func (Topics) AllPropertySets() string {
	return fmt.Sprintf("%s/set/+/+/+", TopicPrefix)
}
