package queue

import (
	"github.com/nerrad567/tuya-bridge-core/internal/device"
)

// Kind tags a message variant. Dispatch is driven by this tag rather than
// runtime type inspection, keeping the consumer set verifiable.
type Kind string

// Message kinds.
const (
	KindStoreCloudDevice           Kind = "store_cloud_device"
	KindStoreLocalDevice           Kind = "store_local_device"
	KindStoreDeviceConnectionState Kind = "store_device_connection_state"
	KindStoreChannelPropertyState  Kind = "store_channel_property_state"
	KindWriteChannelPropertyState  Kind = "write_channel_property_state"
)

// Message is an immutable, tagged unit of work placed on the Queue. The
// variant set is closed: every message is one of the Store*/Write* structs
// below, never a raw map.
type Message interface {
	Kind() Kind
}

// DataPoint describes one data point reported during discovery, carrying
// the metadata needed to upsert a Dynamic channel property.
type DataPoint struct {
	Code      string          `json:"code"`
	Name      string          `json:"name,omitempty"`
	DataType  device.DataType `json:"data_type"`
	Format    string          `json:"format,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Scale     *int            `json:"scale,omitempty"`
	Step      *float64        `json:"step,omitempty"`
	Settable  bool            `json:"settable"`
	Queryable bool            `json:"queryable"`
}

// DataPointValue is a single (code, value) pair from a status report.
type DataPointValue struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// StoreCloudDevice carries a device discovered through the cloud API.
// Optional attributes are pointers: nil means the source did not report
// the attribute, which deletes any previously stored value.
type StoreCloudDevice struct {
	Connector  string `json:"connector"`
	Identifier string `json:"identifier"`

	IPAddress    *string `json:"ip_address,omitempty"`
	LocalKey     *string `json:"local_key,omitempty"`
	Name         *string `json:"name,omitempty"`
	Model        *string `json:"model,omitempty"`
	Icon         *string `json:"icon,omitempty"`
	Category     *string `json:"category,omitempty"`
	ProductID    *string `json:"product_id,omitempty"`
	ProductName  *string `json:"product_name,omitempty"`
	Latitude     *string `json:"lat,omitempty"`
	Longitude    *string `json:"lon,omitempty"`
	SerialNumber *string `json:"sn,omitempty"`
	MACAddress   *string `json:"mac,omitempty"`

	DataPoints []DataPoint `json:"data_points"`
}

// Kind implements Message.
func (StoreCloudDevice) Kind() Kind { return KindStoreCloudDevice }

// StoreLocalDevice carries a device discovered on the local network. It
// extends the cloud payload with the attributes only local discovery
// knows: encryption, protocol version, and gateway topology.
type StoreLocalDevice struct {
	StoreCloudDevice

	Encrypted bool    `json:"encrypted"`
	Version   string  `json:"version"`
	Gateway   *string `json:"gateway,omitempty"`
	NodeID    *string `json:"node_id,omitempty"`
}

// Kind implements Message.
func (StoreLocalDevice) Kind() Kind { return KindStoreLocalDevice }

// StoreDeviceConnectionState carries a reachability transition for one
// device, addressed by connector and device identifier.
type StoreDeviceConnectionState struct {
	Connector  string                 `json:"connector"`
	Identifier string                 `json:"identifier"`
	State      device.ConnectionState `json:"state"`
}

// Kind implements Message.
func (StoreDeviceConnectionState) Kind() Kind { return KindStoreDeviceConnectionState }

// StoreChannelPropertyState carries reported live values for one device.
type StoreChannelPropertyState struct {
	Connector  string           `json:"connector"`
	Identifier string           `json:"identifier"`
	DataPoints []DataPointValue `json:"data_points"`
}

// Kind implements Message.
func (StoreChannelPropertyState) Kind() Kind { return KindStoreChannelPropertyState }

// WriteChannelPropertyState requests one outbound write of a property's
// expected value. All references are entity IDs.
type WriteChannelPropertyState struct {
	Connector string `json:"connector"`
	Device    string `json:"device"`
	Channel   string `json:"channel"`
	Property  string `json:"property"`
}

// Kind implements Message.
func (WriteChannelPropertyState) Kind() Kind { return KindWriteChannelPropertyState }
