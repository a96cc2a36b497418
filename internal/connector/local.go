package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/tuya"
)

// Logger is the minimal logging interface the pool depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LocalPool multiplexes one local-mode connector across its devices. Each
// device gets its own LAN session, opened lazily from the addressing
// attributes discovery has persisted. Sub-devices behind a hub share the
// hub's session and are routed by node ID.
//
// LocalPool implements tuya.Client so the write consumer and the scanner
// can treat a local connector exactly like a cloud one.
type LocalPool struct {
	connectorID string
	repo        device.Repository

	mu       sync.Mutex
	clients  map[string]*tuya.LocalClient
	lastBeat map[string]time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLocalPool creates a pool for one connector.
func NewLocalPool(connectorID string, repo device.Repository) *LocalPool {
	return &LocalPool{
		connectorID: connectorID,
		repo:        repo,
		clients:     make(map[string]*tuya.LocalClient),
		lastBeat:    make(map[string]time.Time),
		logger:      noopLogger{},
	}
}

// SetLogger sets a logger for session diagnostics. It is passed through to
// the per-device clients opened afterwards.
func (p *LocalPool) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *LocalPool) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

// Connect implements tuya.Client. Sessions open lazily per device, so
// there is nothing to do up front.
func (p *LocalPool) Connect(_ context.Context) error {
	return nil
}

// IsConnected implements tuya.Client. The pool itself is always usable;
// individual sessions reconnect on demand.
func (p *LocalPool) IsConnected() bool {
	return true
}

// ReadStates implements tuya.Client.
func (p *LocalPool) ReadStates(ctx context.Context, deviceIdentifier string) ([]tuya.DataPointState, error) {
	c, err := p.clientFor(ctx, deviceIdentifier)
	if err != nil {
		return nil, err
	}
	return c.ReadStates(ctx, deviceIdentifier)
}

// SetDeviceState implements tuya.Client.
func (p *LocalPool) SetDeviceState(ctx context.Context, deviceIdentifier, propertyIdentifier string, value any) error {
	c, err := p.clientFor(ctx, deviceIdentifier)
	if err != nil {
		return err
	}
	return c.SetDeviceState(ctx, deviceIdentifier, propertyIdentifier, value)
}

// Heartbeat pings every open session. Devices drop idle LAN connections
// quickly, so this should run on a short interval. A device carrying a
// heartbeat_delay attribute is only pinged once that many seconds have
// passed since its previous heartbeat.
func (p *LocalPool) Heartbeat(ctx context.Context) {
	p.mu.Lock()
	snapshot := make(map[string]*tuya.LocalClient, len(p.clients))
	for id, c := range p.clients {
		snapshot[id] = c
	}
	p.mu.Unlock()

	for id, c := range snapshot {
		if !c.IsConnected() {
			continue
		}
		if !p.markBeat(ctx, id) {
			continue
		}
		if err := c.Heartbeat(ctx); err != nil {
			p.getLogger().Warn("local heartbeat failed",
				"connector", p.connectorID,
				"device", id,
				"error", err,
			)
		}
	}
}

// markBeat records a heartbeat attempt, reporting false when the device's
// heartbeat delay has not elapsed yet.
func (p *LocalPool) markBeat(ctx context.Context, deviceIdentifier string) bool {
	delay := p.heartbeatDelay(ctx, deviceIdentifier)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if delay > 0 && now.Sub(p.lastBeat[deviceIdentifier]) < delay {
		return false
	}
	p.lastBeat[deviceIdentifier] = now
	return true
}

// heartbeatDelay reads the device's heartbeat_delay attribute in seconds,
// returning zero when unset or unparseable.
func (p *LocalPool) heartbeatDelay(ctx context.Context, deviceIdentifier string) time.Duration {
	dev, err := p.repo.GetDeviceByIdentifier(ctx, p.connectorID, deviceIdentifier)
	if err != nil {
		return 0
	}
	if secs, err := strconv.Atoi(p.attr(ctx, dev.ID, device.AttrHeartbeatDelay)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Disconnect implements tuya.Client. It closes every open session.
func (p *LocalPool) Disconnect() {
	p.mu.Lock()
	for _, c := range p.clients {
		c.Disconnect()
	}
	p.clients = make(map[string]*tuya.LocalClient)
	p.mu.Unlock()
}

// Invalidate drops the session for one device so the next call rebuilds it
// from fresh attributes. The discovery consumers call it through the
// client provider whenever a device's addressing attributes change.
func (p *LocalPool) Invalidate(deviceIdentifier string) {
	p.mu.Lock()
	if c, ok := p.clients[deviceIdentifier]; ok {
		c.Disconnect()
		delete(p.clients, deviceIdentifier)
	}
	p.mu.Unlock()
}

// clientFor returns an open session for the device, building and
// connecting one from persisted attributes when needed.
func (p *LocalPool) clientFor(ctx context.Context, deviceIdentifier string) (*tuya.LocalClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[deviceIdentifier]; ok {
		if c.IsConnected() {
			return c, nil
		}
		// The session dropped, and the device may have been re-addressed
		// in the meantime. Rebuild from current attributes rather than
		// redialling the config the dead session was built with.
		delete(p.clients, deviceIdentifier)
	}

	cfg, err := p.localConfig(ctx, deviceIdentifier)
	if err != nil {
		return nil, err
	}

	c := tuya.NewLocalClient(cfg)
	c.SetLogger(p.getLogger())
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	p.clients[deviceIdentifier] = c
	return c, nil
}

// localConfig assembles a session config from the device's attribute
// properties. Sub-devices borrow the hub's address and key and carry their
// node ID for routing.
func (p *LocalPool) localConfig(ctx context.Context, deviceIdentifier string) (tuya.LocalConfig, error) {
	dev, err := p.repo.GetDeviceByIdentifier(ctx, p.connectorID, deviceIdentifier)
	if err != nil {
		return tuya.LocalConfig{}, fmt.Errorf("resolving device %q: %w", deviceIdentifier, err)
	}

	cfg := tuya.LocalConfig{
		DeviceID:  dev.Identifier,
		Address:   p.attr(ctx, dev.ID, device.AttrIPAddress),
		LocalKey:  p.attr(ctx, dev.ID, device.AttrLocalKey),
		Version:   p.attr(ctx, dev.ID, device.AttrProtocolVersion),
		GatewayID: p.attr(ctx, dev.ID, device.AttrGatewayID),
		NodeID:    p.attr(ctx, dev.ID, device.AttrNodeID),
	}
	if v, parseErr := strconv.ParseBool(p.attr(ctx, dev.ID, device.AttrEncrypted)); parseErr == nil {
		cfg.Encrypted = v
	}

	if cfg.GatewayID != "" {
		// The session goes to the hub; the device rides on it as cid.
		gw, gwErr := p.repo.GetDeviceByIdentifier(ctx, p.connectorID, cfg.GatewayID)
		if gwErr != nil {
			return tuya.LocalConfig{}, fmt.Errorf("resolving gateway %q: %w", cfg.GatewayID, gwErr)
		}
		cfg.Address = p.attr(ctx, gw.ID, device.AttrIPAddress)
		cfg.LocalKey = p.attr(ctx, gw.ID, device.AttrLocalKey)
		if v := p.attr(ctx, gw.ID, device.AttrProtocolVersion); v != "" {
			cfg.Version = v
		}
		if v, parseErr := strconv.ParseBool(p.attr(ctx, gw.ID, device.AttrEncrypted)); parseErr == nil {
			cfg.Encrypted = v
		}
	}

	if cfg.Version == "" {
		cfg.Version = "3.3"
	}
	if cfg.Address == "" {
		return tuya.LocalConfig{}, fmt.Errorf("%w: device %q has no stored address", tuya.ErrInvalidState, deviceIdentifier)
	}

	return cfg, nil
}

// attr reads a device attribute value, returning "" when absent.
func (p *LocalPool) attr(ctx context.Context, deviceID, identifier string) string {
	prop, err := p.repo.GetDeviceProperty(ctx, deviceID, identifier)
	if err != nil {
		if !errors.Is(err, device.ErrPropertyNotFound) {
			p.getLogger().Error("attribute lookup failed",
				"device", deviceID,
				"attribute", identifier,
				"error", err,
			)
		}
		return ""
	}
	if prop.Value == nil {
		return ""
	}
	return *prop.Value
}
