package consumers

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
)

// SessionInvalidator drops any cached device session so the next call
// redials from current attributes. The connector client provider is the
// production implementation.
type SessionInvalidator interface {
	Invalidate(connectorID, deviceIdentifier string)
}

// CloudDevice consumes StoreCloudDevice messages: it idempotently creates
// or updates the device, its attribute properties, and the cloud channel
// with the reported data points.
type CloudDevice struct {
	store deviceStore
}

// NewCloudDevice creates the cloud discovery consumer. sessions may be
// nil when no client holds per-device sessions.
func NewCloudDevice(repo device.Repository, connectors *connector.Registry, upserter *PropertyUpserter, cache *DataPointCache, sessions SessionInvalidator, logger Logger) *CloudDevice {
	return &CloudDevice{store: newDeviceStore(repo, connectors, upserter, cache, sessions, logger)}
}

// Consume implements queue.Consumer.
func (c *CloudDevice) Consume(ctx context.Context, msg queue.Message) bool {
	m, ok := msg.(queue.StoreCloudDevice)
	if !ok || msg.Kind() != queue.KindStoreCloudDevice {
		return false
	}

	c.store.apply(ctx, m, device.DomainCloud, nil, nil)
	return true
}

// LocalDevice consumes StoreLocalDevice messages. On top of the cloud
// payload it reconciles the local-only attributes and resolves the gateway
// parent, which must already be persisted.
type LocalDevice struct {
	store deviceStore
}

// NewLocalDevice creates the local discovery consumer. sessions may be
// nil when no client holds per-device sessions.
func NewLocalDevice(repo device.Repository, connectors *connector.Registry, upserter *PropertyUpserter, cache *DataPointCache, sessions SessionInvalidator, logger Logger) *LocalDevice {
	return &LocalDevice{store: newDeviceStore(repo, connectors, upserter, cache, sessions, logger)}
}

// Consume implements queue.Consumer.
func (c *LocalDevice) Consume(ctx context.Context, msg queue.Message) bool {
	m, ok := msg.(queue.StoreLocalDevice)
	if !ok || msg.Kind() != queue.KindStoreLocalDevice {
		return false
	}

	encrypted := strconv.FormatBool(m.Encrypted)
	extra := []attribute{
		{device.AttrProtocolVersion, stringPtr(m.Version)},
		{device.AttrEncrypted, &encrypted},
		{device.AttrNodeID, m.NodeID},
		{device.AttrGatewayID, m.Gateway},
	}

	c.store.apply(ctx, m.StoreCloudDevice, device.DomainLocal, extra, m.Gateway)
	return true
}

// attribute pairs a device property identifier with its incoming value.
type attribute struct {
	identifier string
	value      *string
}

// deviceStore holds the shared reconciliation algorithm of the two
// discovery consumers.
type deviceStore struct {
	repo       device.Repository
	connectors *connector.Registry
	upserter   *PropertyUpserter
	cache      *DataPointCache
	sessions   SessionInvalidator
	logger     Logger
}

func newDeviceStore(repo device.Repository, connectors *connector.Registry, upserter *PropertyUpserter, cache *DataPointCache, sessions SessionInvalidator, logger Logger) deviceStore {
	if logger == nil {
		logger = noopLogger{}
	}
	return deviceStore{
		repo:       repo,
		connectors: connectors,
		upserter:   upserter,
		cache:      cache,
		sessions:   sessions,
		logger:     logger,
	}
}

// apply reconciles one discovery payload. Failures are terminal for the
// message: they are logged and the message is dropped, relying on
// re-discovery to deliver an equivalent payload later.
func (s *deviceStore) apply(ctx context.Context, m queue.StoreCloudDevice, domain device.ChannelDomain, extra []attribute, gateway *string) {
	conn, ok := s.connectors.Get(m.Connector)
	if !ok {
		s.logger.Error("connector not found, dropping discovery message",
			"connector", m.Connector,
			"device", m.Identifier,
		)
		return
	}

	dev, created, err := s.resolveDevice(ctx, conn.ID, m, gateway)
	if err != nil {
		return // already logged
	}

	readdressed := false
	for _, attr := range s.attributes(m, extra) {
		changed, err := s.upserter.UpsertDeviceAttribute(ctx, dev.ID, attr.identifier, attr.value)
		if err != nil {
			s.logger.Error("device attribute upsert failed",
				"device", m.Identifier,
				"attribute", attr.identifier,
				"error", err,
			)
			continue
		}
		if changed && addressingAttribute(attr.identifier) {
			readdressed = true
		}
	}
	if readdressed && !created && s.sessions != nil {
		// Any open LAN session was dialled with the old address or key.
		s.logger.Info("device re-addressed, dropping cached session",
			"device", m.Identifier,
			"connector", conn.ID,
		)
		s.sessions.Invalidate(conn.ID, m.Identifier)
	}

	if err := s.storeChannel(ctx, dev, domain, m.DataPoints); err != nil {
		s.logger.Error("channel reconciliation failed",
			"device", m.Identifier,
			"domain", string(domain),
			"error", err,
		)
	}
}

// resolveDevice finds or creates the device for a discovery payload. The
// second return reports whether the device was created by this call.
func (s *deviceStore) resolveDevice(ctx context.Context, connectorID string, m queue.StoreCloudDevice, gateway *string) (*device.Device, bool, error) {
	dev, err := s.repo.GetDeviceByIdentifier(ctx, connectorID, m.Identifier)
	if err == nil {
		name := dev.Name
		if m.Name != nil && *m.Name != "" {
			name = *m.Name
		}
		if name != dev.Name {
			dev.Name = name
			if err := s.repo.UpdateDevice(ctx, dev); err != nil {
				s.logger.Error("device update failed", "device", m.Identifier, "error", err)
				return nil, false, err
			}
		}
		return dev, false, nil
	}
	if !errors.Is(err, device.ErrDeviceNotFound) {
		s.logger.Error("device lookup failed", "device", m.Identifier, "error", err)
		return nil, false, err
	}

	var parentID *string
	if gateway != nil && *gateway != "" {
		parent, err := s.repo.GetDeviceByIdentifier(ctx, connectorID, *gateway)
		if err != nil {
			// The gateway has not been discovered yet; this message is
			// lost and a later re-discovery has to deliver the child
			// again, after the parent exists.
			s.logger.Error("gateway not found for child device, dropping message",
				"device", m.Identifier,
				"gateway", *gateway,
				"error", err,
			)
			return nil, false, err
		}
		parentID = &parent.ID
	}

	name := m.Identifier
	if m.Name != nil && *m.Name != "" {
		name = *m.Name
	}

	dev = &device.Device{
		ID:          device.GenerateID(),
		ConnectorID: connectorID,
		Identifier:  m.Identifier,
		Name:        name,
		ParentID:    parentID,
	}
	if err := s.repo.CreateDevice(ctx, dev); err != nil {
		s.logger.Error("device create failed", "device", m.Identifier, "error", err)
		return nil, false, err
	}

	s.logger.Info("device created", "device", m.Identifier, "connector", connectorID)
	return dev, true, nil
}

// addressingAttribute reports whether a device attribute feeds the LAN
// session config, meaning a change to it invalidates cached sessions.
func addressingAttribute(identifier string) bool {
	switch identifier {
	case device.AttrIPAddress, device.AttrLocalKey, device.AttrProtocolVersion,
		device.AttrEncrypted, device.AttrGatewayID, device.AttrNodeID:
		return true
	}
	return false
}

// attributes builds the full attribute list for the upsert pass.
func (s *deviceStore) attributes(m queue.StoreCloudDevice, extra []attribute) []attribute {
	attrs := []attribute{
		{device.AttrIPAddress, m.IPAddress},
		{device.AttrLocalKey, m.LocalKey},
		{device.AttrModel, m.Model},
		{device.AttrIcon, m.Icon},
		{device.AttrCategory, m.Category},
		{device.AttrLatitude, m.Latitude},
		{device.AttrLongitude, m.Longitude},
		{device.AttrProductID, m.ProductID},
		{device.AttrProductName, m.ProductName},
		{device.AttrMACAddress, m.MACAddress},
		{device.AttrSerialNumber, m.SerialNumber},
	}
	return append(attrs, extra...)
}

// storeChannel finds or creates the domain channel and upserts every
// reported data point, all inside one transaction.
func (s *deviceStore) storeChannel(ctx context.Context, dev *device.Device, domain device.ChannelDomain, dataPoints []queue.DataPoint) error {
	changed := false
	err := s.repo.InTransaction(ctx, func(ctx context.Context) error {
		ch, err := s.repo.GetChannelByIdentifier(ctx, dev.ID, domain)
		if errors.Is(err, device.ErrChannelNotFound) {
			ch = &device.Channel{
				ID:         device.GenerateID(),
				DeviceID:   dev.ID,
				Identifier: domain,
				Name:       string(domain),
			}
			if err := s.repo.CreateChannel(ctx, ch); err != nil {
				return fmt.Errorf("creating channel: %w", err)
			}
			changed = true
		} else if err != nil {
			return fmt.Errorf("loading channel: %w", err)
		}

		for _, dp := range dataPoints {
			dpChanged, err := s.upserter.UpsertChannelDataPoint(ctx, ch.ID, dp)
			if err != nil {
				return err
			}
			changed = changed || dpChanged
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Any mutation may have moved property IDs under this device, so the
	// datapoint lookup cache must not serve stale entries.
	if changed && s.cache != nil {
		s.cache.Invalidate(dev.Identifier)
	}
	return nil
}

// stringPtr returns a pointer to s, or nil when s is empty.
func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
