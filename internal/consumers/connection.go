package consumers

import (
	"context"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// DeviceConnection consumes StoreDeviceConnectionState messages, applying
// connection transitions and invalidating live property state when a
// device drops to disconnected.
type DeviceConnection struct {
	repo        device.Repository
	connectors  *connector.Registry
	connections *state.ConnectionStore
	states      *state.Store
	logger      Logger
}

// NewDeviceConnection creates the connection-state consumer.
func NewDeviceConnection(repo device.Repository, connectors *connector.Registry, connections *state.ConnectionStore, states *state.Store, logger Logger) *DeviceConnection {
	if logger == nil {
		logger = noopLogger{}
	}
	return &DeviceConnection{
		repo:        repo,
		connectors:  connectors,
		connections: connections,
		states:      states,
		logger:      logger,
	}
}

// Consume implements queue.Consumer.
func (c *DeviceConnection) Consume(ctx context.Context, msg queue.Message) bool {
	m, ok := msg.(queue.StoreDeviceConnectionState)
	if !ok || msg.Kind() != queue.KindStoreDeviceConnectionState {
		return false
	}

	next := m.State
	if !validConnectionState(next) {
		c.logger.Error("unknown connection state, dropping message",
			"device", m.Identifier,
			"state", string(m.State),
		)
		return true
	}

	conn, ok := c.connectors.Get(m.Connector)
	if !ok {
		c.logger.Error("connector not found, dropping connection message",
			"connector", m.Connector,
			"device", m.Identifier,
		)
		return true
	}

	dev, err := c.repo.GetDeviceByIdentifier(ctx, conn.ID, m.Identifier)
	if err != nil {
		c.logger.Error("device lookup failed, dropping connection message",
			"device", m.Identifier,
			"error", err,
		)
		return true
	}

	if !c.connections.Set(dev.ID, next) {
		// Already in this state, nothing to do.
		return true
	}

	c.logger.Info("device connection state changed",
		"device", m.Identifier,
		"state", string(next),
	)

	// Only a transition into disconnected discards live readings. The
	// degraded states (lost, alert) keep the last known values visible.
	if next == device.StateDisconnected {
		c.invalidateProperties(ctx, dev.ID)
	}
	return true
}

// invalidateProperties marks every live dynamic property state under the
// device, including its channels, as no longer trustworthy.
func (c *DeviceConnection) invalidateProperties(ctx context.Context, deviceID string) {
	props, err := c.repo.ListDeviceProperties(ctx, deviceID)
	if err != nil {
		c.logger.Error("listing device properties for invalidation failed",
			"device_id", deviceID,
			"error", err,
		)
	} else {
		c.invalidate(props)
	}

	channels, err := c.repo.ListChannels(ctx, deviceID)
	if err != nil {
		c.logger.Error("listing channels for invalidation failed",
			"device_id", deviceID,
			"error", err,
		)
		return
	}
	for _, ch := range channels {
		props, err := c.repo.ListChannelProperties(ctx, ch.ID)
		if err != nil {
			c.logger.Error("listing channel properties for invalidation failed",
				"channel_id", ch.ID,
				"error", err,
			)
			continue
		}
		c.invalidate(props)
	}
}

func (c *DeviceConnection) invalidate(props []device.Property) {
	for _, p := range props {
		if !p.Dynamic() {
			continue
		}
		c.states.Invalidate(p.ID)
	}
}

func validConnectionState(s device.ConnectionState) bool {
	for _, known := range device.AllConnectionStates() {
		if s == known {
			return true
		}
	}
	return false
}
