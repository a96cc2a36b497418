package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device lookup finds nothing.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device whose
	// (connector, identifier) pair already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrChannelNotFound is returned when a channel lookup finds nothing.
	ErrChannelNotFound = errors.New("device: channel not found")

	// ErrChannelExists is returned when creating a duplicate channel.
	ErrChannelExists = errors.New("device: channel already exists")

	// ErrPropertyNotFound is returned when a property lookup finds nothing.
	ErrPropertyNotFound = errors.New("device: property not found")

	// ErrPropertyExists is returned when creating a duplicate property.
	ErrPropertyExists = errors.New("device: property already exists")

	// ErrParentNotFound is returned when a child device references a
	// gateway that has not been persisted yet.
	ErrParentNotFound = errors.New("device: parent not found")

	// ErrInvalidOwner is returned when a property names neither a device
	// nor a channel owner, or names both.
	ErrInvalidOwner = errors.New("device: property must have exactly one owner")
)
