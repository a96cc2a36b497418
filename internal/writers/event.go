package writers

import (
	"context"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// Event reacts to property state changes: when a desired value appears on
// a settable channel property of this connector's devices, it enqueues a
// write message immediately instead of waiting for the next sweep.
type Event struct {
	connectorID string
	repo        device.Repository
	queue       enqueuer
	logger      Logger
}

// NewEvent creates an event writer for one connector.
func NewEvent(connectorID string, repo device.Repository, q enqueuer, logger Logger) *Event {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Event{
		connectorID: connectorID,
		repo:        repo,
		queue:       q,
		logger:      logger,
	}
}

// Subscribe registers the writer with the state store. Call before the
// pipeline starts.
func (w *Event) Subscribe(states *state.Store) {
	states.OnChange(w.onChange)
}

func (w *Event) onChange(change state.Change) {
	if change.Reason != state.ReasonExpected {
		return
	}
	if change.State.ExpectedValue == nil || !change.State.Pending.Flag() {
		return
	}
	w.dispatch(context.Background(), change.PropertyID)
}

// dispatch resolves the property back to its channel and device and, when
// the device belongs to this writer's connector, enqueues the write.
func (w *Event) dispatch(ctx context.Context, propertyID string) {
	prop, err := w.repo.GetProperty(ctx, propertyID)
	if err != nil {
		w.logger.Error("property lookup failed", "property_id", propertyID, "error", err)
		return
	}
	if prop.ChannelID == nil || !prop.Dynamic() || !prop.Settable {
		return
	}

	ch, err := w.repo.GetChannel(ctx, *prop.ChannelID)
	if err != nil {
		w.logger.Error("channel lookup failed", "channel_id", *prop.ChannelID, "error", err)
		return
	}

	dev, err := w.repo.GetDevice(ctx, ch.DeviceID)
	if err != nil {
		w.logger.Error("device lookup failed", "device_id", ch.DeviceID, "error", err)
		return
	}
	if dev.ConnectorID != w.connectorID {
		return
	}

	w.queue.Append(queue.WriteChannelPropertyState{
		Connector: w.connectorID,
		Device:    dev.ID,
		Channel:   ch.ID,
		Property:  prop.ID,
	})
	w.logger.Debug("write dispatched on state change",
		"device", dev.Identifier,
		"property", prop.Identifier,
	)
}
