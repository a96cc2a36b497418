package statebridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// Logger is the minimal logging interface the bridge depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const resolveTimeout = 5 * time.Second

// Bridge publishes property and connection state changes outward and
// feeds inbound desired values back into the state store. MQTT carries
// the live surface; InfluxDB keeps the history. Either sink may be nil,
// in which case it is skipped.
type Bridge struct {
	repo   device.Repository
	states *state.Store
	mqtt   *mqtt.Client
	influx *influxdb.Client
	logger Logger
}

// New creates a state bridge. mqttClient and influxClient may be nil.
func New(repo device.Repository, states *state.Store, mqttClient *mqtt.Client, influxClient *influxdb.Client, logger Logger) *Bridge {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		repo:   repo,
		states: states,
		mqtt:   mqttClient,
		influx: influxClient,
		logger: logger,
	}
}

// Subscribe registers the bridge with both state stores. Call before the
// pipeline starts.
func (b *Bridge) Subscribe(states *state.Store, connections *state.ConnectionStore) {
	states.OnChange(b.onPropertyChange)
	connections.OnChange(b.onConnectionChange)
}

// statePayload is the JSON shape published on property state topics.
type statePayload struct {
	Value     any    `json:"value"`
	Expected  any    `json:"expected,omitempty"`
	Pending   bool   `json:"pending"`
	Valid     bool   `json:"valid"`
	Timestamp string `json:"timestamp"`
}

func (b *Bridge) onPropertyChange(change state.Change) {
	if change.Reason == state.ReasonDeleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	prop, dev, err := b.resolve(ctx, change.PropertyID)
	if err != nil {
		b.logger.Debug("state change for unresolved property skipped",
			"property_id", change.PropertyID,
			"error", err,
		)
		return
	}

	if b.mqtt != nil && b.mqtt.IsConnected() {
		payload, err := json.Marshal(statePayload{
			Value:     change.State.ActualValue,
			Expected:  change.State.ExpectedValue,
			Pending:   change.State.Pending.IsSet(),
			Valid:     change.State.Valid,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err == nil {
			topic := mqtt.Topics{}.PropertyState(dev.ConnectorID, dev.Identifier, prop.Identifier)
			if err := b.mqtt.PublishRetained(topic, payload); err != nil {
				b.logger.Warn("state publish failed", "topic", topic, "error", err)
			}
		}
	}

	if b.influx != nil && change.Reason == state.ReasonActual {
		b.influx.WritePropertyState(dev.ConnectorID, dev.Identifier, prop.Identifier,
			change.State.ActualValue, change.State.Valid)
	}
}

func (b *Bridge) onConnectionChange(change state.ConnectionChange) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	dev, err := b.repo.GetDevice(ctx, change.DeviceID)
	if err != nil {
		b.logger.Debug("connection change for unknown device skipped",
			"device_id", change.DeviceID,
			"error", err,
		)
		return
	}

	if b.mqtt != nil && b.mqtt.IsConnected() {
		payload, err := json.Marshal(map[string]string{
			"state":     string(change.Current),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		if err == nil {
			topic := mqtt.Topics{}.DeviceConnection(dev.ConnectorID, dev.Identifier)
			if err := b.mqtt.PublishRetained(topic, payload); err != nil {
				b.logger.Warn("connection publish failed", "topic", topic, "error", err)
			}
		}
	}

	if b.influx != nil {
		b.influx.WriteConnectionState(dev.ConnectorID, dev.Identifier, string(change.Current))
	}
}

// resolve walks a channel property back to its device.
func (b *Bridge) resolve(ctx context.Context, propertyID string) (*device.Property, *device.Device, error) {
	prop, err := b.repo.GetProperty(ctx, propertyID)
	if err != nil {
		return nil, nil, err
	}

	var deviceID string
	if prop.ChannelID != nil {
		ch, err := b.repo.GetChannel(ctx, *prop.ChannelID)
		if err != nil {
			return nil, nil, err
		}
		deviceID = ch.DeviceID
	} else if prop.DeviceID != nil {
		deviceID = *prop.DeviceID
	}

	dev, err := b.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, err
	}
	return prop, dev, nil
}

// ListenForCommands subscribes to the inbound desired-value topics. A
// payload on tuyabridge/set/{connector}/{device}/{property} sets the
// expected value on the resolved channel property, which the event writer
// turns into an outbound write.
func (b *Bridge) ListenForCommands() error {
	if b.mqtt == nil {
		return nil
	}
	return b.mqtt.Subscribe(mqtt.Topics{}.AllPropertySets(), 1, b.handleSet)
}

func (b *Bridge) handleSet(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	// tuyabridge/set/{connector}/{device}/{property}
	if len(parts) != 5 {
		b.logger.Warn("malformed set topic ignored", "topic", topic)
		return nil
	}
	connectorID, deviceIdentifier := parts[2], parts[3]
	// Device identifiers are opaque Tuya IDs, but property identifiers are
	// data-point codes a human types into the topic.
	propertyIdentifier := device.NormalizeIdentifier(parts[4])

	var body struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		// Accept a bare JSON scalar as well as the {"value": ...} wrapper.
		if err := json.Unmarshal(payload, &body.Value); err != nil {
			b.logger.Warn("undecodable set payload ignored", "topic", topic, "error", err)
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	prop, err := b.resolveSettable(ctx, connectorID, deviceIdentifier, propertyIdentifier)
	if err != nil {
		b.logger.Warn("set command for unresolved property ignored",
			"topic", topic,
			"error", err,
		)
		return nil
	}

	b.states.SetExpected(prop.ID, body.Value)
	b.logger.Debug("desired value accepted",
		"device", deviceIdentifier,
		"property", propertyIdentifier,
	)
	return nil
}

// resolveSettable finds the settable channel property addressed by a set
// topic, checking each of the device's channels.
func (b *Bridge) resolveSettable(ctx context.Context, connectorID, deviceIdentifier, propertyIdentifier string) (*device.Property, error) {
	dev, err := b.repo.GetDeviceByIdentifier(ctx, connectorID, deviceIdentifier)
	if err != nil {
		return nil, err
	}

	channels, err := b.repo.ListChannels(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		prop, err := b.repo.GetChannelProperty(ctx, channels[i].ID, propertyIdentifier)
		if err != nil {
			continue
		}
		if prop.Dynamic() && prop.Settable {
			return prop, nil
		}
	}
	return nil, device.ErrPropertyNotFound
}
