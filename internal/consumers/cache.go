package consumers

import (
	"context"
	"errors"
	"sync"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
)

// PropertyTarget is one resolved destination for a reported data point:
// the property's entity ID plus the shape information needed to convert
// the device's raw value into the stored representation.
type PropertyTarget struct {
	ID       string
	DataType device.DataType
	Scale    *int
}

// DataPointCache memoizes the mapping from a device's data-point codes to
// the persisted properties carrying them. Property-state messages arrive
// at reading frequency, so the resolution must not hit the repository on
// every message.
type DataPointCache struct {
	repo device.Repository

	mu      sync.RWMutex
	devices map[string]map[string][]PropertyTarget // connectorID/identifier -> code -> targets
}

// NewDataPointCache creates an empty cache backed by repo.
func NewDataPointCache(repo device.Repository) *DataPointCache {
	return &DataPointCache{
		repo:    repo,
		devices: make(map[string]map[string][]PropertyTarget),
	}
}

// Resolve returns the properties carrying the given data-point code on
// the identified device, populating the cache on first use. A nil slice
// with a nil error means the device or code is unknown.
func (c *DataPointCache) Resolve(ctx context.Context, connectorID, identifier, code string) ([]PropertyTarget, error) {
	key := connectorID + "/" + identifier

	c.mu.RLock()
	codes, ok := c.devices[key]
	c.mu.RUnlock()
	if ok {
		return codes[code], nil
	}

	codes, err := c.load(ctx, connectorID, identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.devices[key] = codes
	c.mu.Unlock()

	return codes[code], nil
}

// Invalidate drops the cached mapping for the identified device on every
// connector. Discovery calls it whenever a property changes shape, so the
// next state message re-reads the repository.
func (c *DataPointCache) Invalidate(identifier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.devices {
		if suffixAfterSlash(key) == identifier {
			delete(c.devices, key)
		}
	}
}

// load builds the code mapping from the dynamic properties on every
// channel of the device.
func (c *DataPointCache) load(ctx context.Context, connectorID, identifier string) (map[string][]PropertyTarget, error) {
	codes := make(map[string][]PropertyTarget)

	dev, err := c.repo.GetDeviceByIdentifier(ctx, connectorID, identifier)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return codes, nil
		}
		return nil, err
	}

	channels, err := c.repo.ListChannels(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		props, err := c.repo.ListChannelProperties(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range props {
			if !p.Dynamic() {
				continue
			}
			codes[p.Identifier] = append(codes[p.Identifier], PropertyTarget{
				ID:       p.ID,
				DataType: p.DataType,
				Scale:    p.Scale,
			})
		}
	}
	return codes, nil
}

func suffixAfterSlash(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
