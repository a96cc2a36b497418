package consumers

import (
	"context"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// PropertyState consumes StoreChannelPropertyState messages, pushing the
// reported data-point values into the live state store.
type PropertyState struct {
	cache      *DataPointCache
	connectors *connector.Registry
	states     *state.Store
	logger     Logger
}

// NewPropertyState creates the property-state consumer.
func NewPropertyState(cache *DataPointCache, connectors *connector.Registry, states *state.Store, logger Logger) *PropertyState {
	if logger == nil {
		logger = noopLogger{}
	}
	return &PropertyState{
		cache:      cache,
		connectors: connectors,
		states:     states,
		logger:     logger,
	}
}

// Consume implements queue.Consumer.
func (c *PropertyState) Consume(ctx context.Context, msg queue.Message) bool {
	m, ok := msg.(queue.StoreChannelPropertyState)
	if !ok || msg.Kind() != queue.KindStoreChannelPropertyState {
		return false
	}

	conn, ok := c.connectors.Get(m.Connector)
	if !ok {
		c.logger.Error("connector not found, dropping state message",
			"connector", m.Connector,
			"device", m.Identifier,
		)
		return true
	}

	for _, dp := range m.DataPoints {
		targets, err := c.cache.Resolve(ctx, conn.ID, m.Identifier, dp.Code)
		if err != nil {
			c.logger.Error("data-point resolution failed",
				"device", m.Identifier,
				"code", dp.Code,
				"error", err,
			)
			continue
		}
		if len(targets) == 0 {
			// Devices report codes discovery never mapped; skip quietly.
			c.logger.Debug("unmapped data point ignored",
				"device", m.Identifier,
				"code", dp.Code,
			)
			continue
		}
		for _, t := range targets {
			c.states.SetActual(t.ID, fromDevice(t, dp.Value))
		}
	}
	return true
}

// fromDevice converts a raw device report into the stored representation,
// undoing the scaled-integer encoding numeric properties use on the wire.
// Outbound writes apply the inverse in transformToDevice, so the stored
// actual and expected values share one value space and a report matching
// the expectation confirms the write. Values that cannot be read as
// numbers pass through untouched.
func fromDevice(t PropertyTarget, value any) any {
	switch t.DataType {
	case device.DataTypeInt, device.DataTypeFloat:
		factor := scaleFactor(t.Scale)
		if factor == 1 {
			return value
		}
		f, ok := toFloat(value)
		if !ok {
			return value
		}
		return f / factor
	default:
		return value
	}
}
