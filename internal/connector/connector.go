package connector

import (
	"strings"
	"sync"

	"github.com/nerrad567/tuya-bridge-core/internal/infrastructure/config"
	"github.com/nerrad567/tuya-bridge-core/internal/tuya"
)

// Mode selects which API client a connector drives its devices through.
type Mode string

// Mode constants.
const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

// Connector is one configured Tuya integration instance. Devices reference
// their owning connector by ID.
type Connector struct {
	ID   string
	Mode Mode

	AccessID     string
	AccessSecret string
	UID          string

	// OpenAPIEndpoint is the resolved regional REST base URL.
	OpenAPIEndpoint string

	// OpenPulsarEndpoint and OpenPulsarTopic select the push channel.
	OpenPulsarEndpoint string
	OpenPulsarTopic    string

	StateReadingDelay int
	HeartbeatDelay    int
}

// Known OpenAPI regions and their endpoints.
var openAPIEndpoints = map[string]string{
	"europe":  "https://openapi.tuyaeu.com",
	"america": "https://openapi.tuyaus.com",
	"china":   "https://openapi.tuyacn.com",
	"india":   "https://openapi.tuyain.com",
}

// Pulsar websocket endpoints per region.
var openPulsarEndpoints = map[string]string{
	"europe":  "wss://mqe.tuyaeu.com:8285/",
	"america": "wss://mqe.tuyaus.com:8285/",
	"china":   "wss://mqe.tuyacn.com:8285/",
	"india":   "wss://mqe.tuyain.com:8285/",
}

// defaultPulsarTopic is the production event topic.
const defaultPulsarTopic = "event"

// Registry holds the configured connectors, keyed by ID.
type Registry struct {
	byID map[string]*Connector
}

// NewRegistry builds a registry from configuration. Region names in
// openapi_endpoint are resolved to URLs, and the pulsar endpoint is
// derived from the same region when unset.
func NewRegistry(cfgs []config.ConnectorConfig) *Registry {
	r := &Registry{byID: make(map[string]*Connector, len(cfgs))}

	for i := range cfgs {
		cc := cfgs[i]
		conn := &Connector{
			ID:                cc.ID,
			Mode:              Mode(cc.Mode),
			AccessID:          cc.AccessID,
			AccessSecret:      cc.AccessSecret,
			UID:               cc.UID,
			OpenPulsarTopic:   cc.OpenPulsarTopic,
			StateReadingDelay: cc.StateReadingDelay,
			HeartbeatDelay:    cc.HeartbeatDelay,
		}
		if conn.OpenPulsarTopic == "" {
			conn.OpenPulsarTopic = defaultPulsarTopic
		}

		region := strings.ToLower(cc.OpenAPIEndpoint)
		if url, ok := openAPIEndpoints[region]; ok {
			conn.OpenAPIEndpoint = url
			if cc.OpenPulsarEndpoint == "" {
				conn.OpenPulsarEndpoint = openPulsarEndpoints[region]
			} else {
				conn.OpenPulsarEndpoint = cc.OpenPulsarEndpoint
			}
		} else {
			// Literal URL; pulsar endpoint must be explicit or defaults
			// to the European region.
			conn.OpenAPIEndpoint = cc.OpenAPIEndpoint
			conn.OpenPulsarEndpoint = cc.OpenPulsarEndpoint
			if conn.OpenPulsarEndpoint == "" {
				conn.OpenPulsarEndpoint = openPulsarEndpoints["europe"]
			}
		}

		r.byID[conn.ID] = conn
	}

	return r
}

// Get returns a connector by ID.
func (r *Registry) Get(id string) (*Connector, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// All returns every configured connector.
func (r *Registry) All() []*Connector {
	out := make([]*Connector, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// ClientProvider maps connector IDs to the API client their mode selects.
// Registration happens during wiring; lookups happen from the write
// consumer and the writers.
//
// All methods are safe for concurrent use.
type ClientProvider struct {
	mu      sync.RWMutex
	clients map[string]tuya.Client
}

// NewClientProvider creates an empty provider.
func NewClientProvider() *ClientProvider {
	return &ClientProvider{clients: make(map[string]tuya.Client)}
}

// Register installs the client for a connector, replacing any previous one.
func (p *ClientProvider) Register(connectorID string, c tuya.Client) {
	p.mu.Lock()
	p.clients[connectorID] = c
	p.mu.Unlock()
}

// ClientFor returns the client registered for a connector.
func (p *ClientProvider) ClientFor(connectorID string) (tuya.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[connectorID]
	return c, ok
}

// Invalidate drops any cached session the connector's client holds for a
// device. Discovery calls this when a device's addressing attributes
// change, so the next call dials the new address instead of the one the
// session was built with. Clients without per-device sessions ignore it.
func (p *ClientProvider) Invalidate(connectorID, deviceIdentifier string) {
	c, ok := p.ClientFor(connectorID)
	if !ok {
		return
	}
	if inv, ok := c.(interface{ Invalidate(string) }); ok {
		inv.Invalidate(deviceIdentifier)
	}
}
