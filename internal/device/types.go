package device

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device represents a Tuya endpoint owned by a connector. Devices are
// created by the discovery consumers on first sighting and updated on every
// subsequent sighting; the identifier never changes once set.
type Device struct {
	// Identity
	ID          string `json:"id"`
	ConnectorID string `json:"connector_id"`

	// Identifier is the Tuya device ID, unique within a connector.
	Identifier string `json:"identifier"`
	Name       string `json:"name"`

	// ParentID references the gateway device for sub-devices reached
	// through a hub. The parent must exist before a child is created.
	ParentID *string `json:"parent_id,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Channel is a named grouping of properties under a device, keyed by the
// data-point domain that reported them. A device grows at most one channel
// per domain, created lazily on the first data-point report.
type Channel struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Identifier ChannelDomain `json:"identifier"`
	Name       string        `json:"name"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Property describes a single device or channel property. Exactly one of
// DeviceID/ChannelID is set, and the identifier is unique within that owner.
//
// Variable properties hold a static configuration value (local key, IP,
// model). Dynamic properties describe live device values; their current
// readings live in the state store, never here.
type Property struct {
	ID         string  `json:"id"`
	DeviceID   *string `json:"device_id,omitempty"`
	ChannelID  *string `json:"channel_id,omitempty"`
	Identifier string  `json:"identifier"`
	Name       string  `json:"name"`

	Kind     PropertyKind `json:"kind"`
	DataType DataType     `json:"data_type"`

	// Format carries the value constraint reported by the device:
	// "min:max" for numeric types, comma-separated values for enums.
	Format string   `json:"format,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Scale  *int     `json:"scale,omitempty"`
	Step   *float64 `json:"step,omitempty"`

	Settable  bool `json:"settable"`
	Queryable bool `json:"queryable"`

	// Value is only meaningful for Variable properties.
	Value *string `json:"value,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dynamic reports whether the property carries live device state.
func (p *Property) Dynamic() bool { return p.Kind == KindDynamic }

// PropertyKind distinguishes static configuration values from live,
// device-reported values.
type PropertyKind string

// PropertyKind constants.
const (
	KindVariable PropertyKind = "variable"
	KindDynamic  PropertyKind = "dynamic"
)

// DataType is the declared type of a dynamic property's values.
type DataType string

// DataType constants, following the Tuya data-point type names.
const (
	DataTypeBool    DataType = "bool"
	DataTypeInt     DataType = "int"
	DataTypeFloat   DataType = "float"
	DataTypeString  DataType = "string"
	DataTypeEnum    DataType = "enum"
	DataTypeJSON    DataType = "json"
	DataTypeRaw     DataType = "raw"
	DataTypeUnknown DataType = "unknown"
)

// ChannelDomain identifies which data-point domain a channel groups.
type ChannelDomain string

// ChannelDomain constants.
const (
	DomainLocal ChannelDomain = "local"
	DomainCloud ChannelDomain = "cloud"
)

// ConnectionState represents device-level reachability.
type ConnectionState string

// ConnectionState constants.
const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateStopped      ConnectionState = "stopped"
	StateLost         ConnectionState = "lost"
	StateAlert        ConnectionState = "alert"
	StateUnknown      ConnectionState = "unknown"
)

// AllConnectionStates returns all valid connection state values.
func AllConnectionStates() []ConnectionState {
	return []ConnectionState{
		StateConnected, StateDisconnected, StateStopped,
		StateLost, StateAlert, StateUnknown,
	}
}

// Device attribute property identifiers. These are the Variable properties
// the discovery consumers maintain on every device.
const (
	AttrIPAddress       = "ip_address"
	AttrLocalKey        = "local_key"
	AttrProtocolVersion = "protocol_version"
	AttrNodeID          = "node_id"
	AttrGatewayID       = "gateway_id"
	AttrCategory        = "category"
	AttrIcon            = "icon"
	AttrLatitude        = "lat"
	AttrLongitude       = "lon"
	AttrProductID       = "product_id"
	AttrProductName     = "product_name"
	AttrEncrypted       = "encrypted"
	AttrModel           = "model"
	AttrMACAddress      = "mac_address"
	AttrSerialNumber    = "serial_number"
	AttrReadStateDelay  = "state_reading_delay"
	AttrHeartbeatDelay  = "heartbeat_delay"
	AttrExcludedDPS     = "read_state_exclude_dps"
)

// GenerateID returns a new unique entity identifier.
func GenerateID() string {
	return uuid.NewString()
}

// NormalizeIdentifier lowercases and trims an externally supplied
// identifier so lookups are stable regardless of source formatting.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
