package tuya

import "context"

// DataPointState is a single live reading reported by a device.
type DataPointState struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// Client abstracts the cloud and local Tuya transports behind one
// contract. Implementations are not cancelled on connector stop; callers
// attaching completion handling must re-validate that the target entity
// still exists before acting on a result.
type Client interface {
	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// IsConnected reports whether the session is usable.
	IsConnected() bool

	// ReadStates fetches the current data-point states of a device.
	ReadStates(ctx context.Context, deviceIdentifier string) ([]DataPointState, error)

	// SetDeviceState writes one property value to a device.
	SetDeviceState(ctx context.Context, deviceIdentifier, propertyIdentifier string, value any) error

	// Disconnect closes the session. Safe to call repeatedly.
	Disconnect()
}
