package consumers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// PropertyUpserter implements the shared create/update/delete semantics for
// device attribute properties and dynamic channel properties. Both store
// consumers inject one instance instead of duplicating the logic.
type PropertyUpserter struct {
	repo   device.Repository
	states *state.Store
	logger Logger
}

// NewPropertyUpserter creates an upserter over the given repository and
// state store.
func NewPropertyUpserter(repo device.Repository, states *state.Store, logger Logger) *PropertyUpserter {
	if logger == nil {
		logger = noopLogger{}
	}
	return &PropertyUpserter{repo: repo, states: states, logger: logger}
}

// UpsertDeviceAttribute reconciles one Variable device property against an
// incoming value. A nil value deletes an existing property and is a no-op
// otherwise. A present value creates the property, updates it when it
// differs, and replaces a property of the wrong kind (logged as warning).
// Returns true when the stored value actually changed, so callers can
// react to re-addressed devices.
//
// Each call owns its own transaction; one failing attribute never rolls
// back its siblings.
func (u *PropertyUpserter) UpsertDeviceAttribute(ctx context.Context, deviceID, identifier string, value *string) (bool, error) {
	existing, err := u.repo.GetDeviceProperty(ctx, deviceID, identifier)
	if err != nil && !errors.Is(err, device.ErrPropertyNotFound) {
		return false, fmt.Errorf("loading device property %q: %w", identifier, err)
	}
	found := err == nil

	if value == nil {
		if !found {
			return false, nil
		}
		if err := u.repo.DeleteProperty(ctx, existing.ID); err != nil {
			return false, fmt.Errorf("deleting device property %q: %w", identifier, err)
		}
		return true, nil
	}

	if found && existing.Kind != device.KindVariable {
		// A dynamic property squatting on an attribute identifier is a
		// type mismatch: replace it.
		u.logger.Warn("device property has wrong kind, recreating",
			"device_id", deviceID,
			"identifier", identifier,
			"kind", string(existing.Kind),
		)
		err := u.repo.InTransaction(ctx, func(ctx context.Context) error {
			if err := u.repo.DeleteProperty(ctx, existing.ID); err != nil {
				return fmt.Errorf("deleting mismatched property %q: %w", identifier, err)
			}
			u.states.Delete(existing.ID)
			return u.createDeviceAttribute(ctx, deviceID, identifier, *value)
		})
		return err == nil, err
	}

	if !found {
		if err := u.createDeviceAttribute(ctx, deviceID, identifier, *value); err != nil {
			return false, err
		}
		return true, nil
	}

	if existing.Value != nil && *existing.Value == *value {
		return false, nil
	}
	existing.Value = value
	if err := u.repo.UpdateProperty(ctx, existing); err != nil {
		return false, fmt.Errorf("updating device property %q: %w", identifier, err)
	}
	return true, nil
}

// createDeviceAttribute inserts a fresh Variable property.
func (u *PropertyUpserter) createDeviceAttribute(ctx context.Context, deviceID, identifier, value string) error {
	prop := &device.Property{
		ID:         device.GenerateID(),
		DeviceID:   &deviceID,
		Identifier: identifier,
		Name:       identifier,
		Kind:       device.KindVariable,
		DataType:   device.DataTypeString,
		Value:      &value,
	}
	if err := u.repo.CreateProperty(ctx, prop); err != nil {
		return fmt.Errorf("creating device property %q: %w", identifier, err)
	}
	return nil
}

// UpsertChannelDataPoint reconciles one Dynamic channel property against a
// reported data point. On update an existing non-empty name is preserved
// and every other attribute is refreshed; when the refresh actually
// changes the property, any live state is discarded since the format may
// have changed. Returns true when the property set was modified.
func (u *PropertyUpserter) UpsertChannelDataPoint(ctx context.Context, channelID string, dp queue.DataPoint) (bool, error) {
	existing, err := u.repo.GetChannelProperty(ctx, channelID, dp.Code)
	if err != nil && !errors.Is(err, device.ErrPropertyNotFound) {
		return false, fmt.Errorf("loading channel property %q: %w", dp.Code, err)
	}
	found := err == nil

	if found && existing.Kind != device.KindDynamic {
		u.logger.Warn("channel property has wrong kind, recreating",
			"channel_id", channelID,
			"identifier", dp.Code,
			"kind", string(existing.Kind),
		)
		err := u.repo.InTransaction(ctx, func(ctx context.Context) error {
			if err := u.repo.DeleteProperty(ctx, existing.ID); err != nil {
				return fmt.Errorf("deleting mismatched property %q: %w", dp.Code, err)
			}
			return u.createChannelDataPoint(ctx, channelID, dp)
		})
		return err == nil, err
	}

	if !found {
		if err := u.createChannelDataPoint(ctx, channelID, dp); err != nil {
			return false, err
		}
		return true, nil
	}

	updated := *existing
	updated.DataType = dp.DataType
	updated.Format = dp.Format
	updated.Unit = dp.Unit
	updated.Scale = dp.Scale
	updated.Step = dp.Step
	updated.Settable = dp.Settable
	updated.Queryable = dp.Queryable
	if updated.Name == "" {
		updated.Name = dp.Name
	}

	if propertyEqual(existing, &updated) {
		return false, nil
	}

	if err := u.repo.UpdateProperty(ctx, &updated); err != nil {
		return false, fmt.Errorf("updating channel property %q: %w", dp.Code, err)
	}

	// The declared format changed, so any cached live value is suspect.
	if _, ok := u.states.Get(updated.ID); ok {
		u.states.Delete(updated.ID)
	}
	return true, nil
}

// createChannelDataPoint inserts a fresh Dynamic property from data-point
// metadata.
func (u *PropertyUpserter) createChannelDataPoint(ctx context.Context, channelID string, dp queue.DataPoint) error {
	name := dp.Name
	if name == "" {
		name = dp.Code
	}
	prop := &device.Property{
		ID:         device.GenerateID(),
		ChannelID:  &channelID,
		Identifier: dp.Code,
		Name:       name,
		Kind:       device.KindDynamic,
		DataType:   dp.DataType,
		Format:     dp.Format,
		Unit:       dp.Unit,
		Scale:      dp.Scale,
		Step:       dp.Step,
		Settable:   dp.Settable,
		Queryable:  dp.Queryable,
	}
	if err := u.repo.CreateProperty(ctx, prop); err != nil {
		return fmt.Errorf("creating channel property %q: %w", dp.Code, err)
	}
	return nil
}

// propertyEqual compares the attributes the data-point refresh touches.
func propertyEqual(a, b *device.Property) bool {
	return a.Name == b.Name &&
		a.DataType == b.DataType &&
		a.Format == b.Format &&
		a.Unit == b.Unit &&
		intPtrEqual(a.Scale, b.Scale) &&
		floatPtrEqual(a.Step, b.Step) &&
		a.Settable == b.Settable &&
		a.Queryable == b.Queryable
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
