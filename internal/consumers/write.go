package consumers

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/nerrad567/tuya-bridge-core/internal/connector"
	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
	"github.com/nerrad567/tuya-bridge-core/internal/tuya"
)

// enqueuer is the narrow surface the write consumer needs for producing
// connection-state messages back into the pipeline.
type enqueuer interface {
	Append(msg queue.Message)
}

// PropertyWrite consumes WriteChannelPropertyState messages: it resolves
// the target property, transforms the desired value into the device's
// native representation, and issues the write through the connector's API
// client, tracking pending/expected state and escalating failures into
// connection-state messages.
type PropertyWrite struct {
	repo       device.Repository
	connectors *connector.Registry
	clients    *connector.ClientProvider
	states     *state.Store
	queue      enqueuer
	logger     Logger

	// now is swapped in tests to pin pending timestamps.
	now func() time.Time
}

// NewPropertyWrite creates the write consumer.
func NewPropertyWrite(repo device.Repository, connectors *connector.Registry, clients *connector.ClientProvider, states *state.Store, q enqueuer, logger Logger) *PropertyWrite {
	if logger == nil {
		logger = noopLogger{}
	}
	return &PropertyWrite{
		repo:       repo,
		connectors: connectors,
		clients:    clients,
		states:     states,
		queue:      q,
		logger:     logger,
		now:        time.Now,
	}
}

// Consume implements queue.Consumer.
func (c *PropertyWrite) Consume(ctx context.Context, msg queue.Message) bool {
	m, ok := msg.(queue.WriteChannelPropertyState)
	if !ok || msg.Kind() != queue.KindWriteChannelPropertyState {
		return false
	}

	conn, ok := c.connectors.Get(m.Connector)
	if !ok {
		c.logger.Error("connector not found, dropping write", "connector", m.Connector)
		return true
	}

	dev, err := c.repo.GetDevice(ctx, m.Device)
	if err != nil {
		c.logger.Error("device not found, dropping write", "device_id", m.Device, "error", err)
		return true
	}

	if _, err := c.repo.GetChannel(ctx, m.Channel); err != nil {
		c.logger.Error("channel not found, dropping write", "channel_id", m.Channel, "error", err)
		return true
	}

	prop, err := c.repo.GetProperty(ctx, m.Property)
	if err != nil {
		c.logger.Error("property not found, dropping write", "property_id", m.Property, "error", err)
		return true
	}

	if !prop.Settable {
		c.logger.Error("property is not settable, dropping write",
			"device", dev.Identifier,
			"property", prop.Identifier,
		)
		return true
	}

	st, ok := c.states.Get(prop.ID)
	if !ok {
		c.logger.Debug("no live state for property, dropping write",
			"device", dev.Identifier,
			"property", prop.Identifier,
		)
		return true
	}

	value := transformToDevice(prop, st.ExpectedValue)
	if value == nil {
		// The desired value cannot be expressed in the device's
		// representation; give up rather than retry forever.
		c.logger.Error("desired value not representable, abandoning write",
			"device", dev.Identifier,
			"property", prop.Identifier,
			"value", st.ExpectedValue,
		)
		c.states.Abandon(prop.ID)
		return true
	}

	client, ok := c.clients.ClientFor(conn.ID)
	if !ok {
		c.logger.Error("no API client for connector, dropping write", "connector", conn.ID)
		return true
	}

	c.states.SetPending(prop.ID, state.PendingAt(c.now()))

	c.logger.Debug("writing property",
		"device", dev.Identifier,
		"property", prop.Identifier,
		"value", value,
	)

	// The write outlives this dispatch invocation: the call runs on its
	// own goroutine with a fresh context so a pipeline shutdown does not
	// truncate an in-flight device command.
	go c.complete(context.Background(), client, conn, dev, prop, value)
	return true
}

// complete issues the device call and applies the success or failure
// continuation.
func (c *PropertyWrite) complete(ctx context.Context, client tuya.Client, conn *connector.Connector, dev *device.Device, prop *device.Property, value any) {
	err := client.SetDeviceState(ctx, dev.Identifier, prop.Identifier, value)
	if err == nil {
		c.onSuccess(dev, prop)
		return
	}
	c.onFailure(conn, dev, prop, err)
}

func (c *PropertyWrite) onSuccess(dev *device.Device, prop *device.Property) {
	st, ok := c.states.Get(prop.ID)
	if !ok || st.ExpectedValue == nil {
		// A newer state superseded the expectation while the call was in
		// flight; nothing left to track.
		return
	}
	c.states.SetPending(prop.ID, state.PendingAt(c.now()))
	c.logger.Debug("write accepted, awaiting echo",
		"device", dev.Identifier,
		"property", prop.Identifier,
	)
}

func (c *PropertyWrite) onFailure(conn *connector.Connector, dev *device.Device, prop *device.Property, err error) {
	c.states.Abandon(prop.ID)

	connState := classifyWriteError(err)

	var callErr *tuya.CallError
	if errors.As(err, &callErr) {
		c.logger.Error("write call failed",
			"device", dev.Identifier,
			"property", prop.Identifier,
			"transport", string(callErr.Transport),
			"op", callErr.Op,
			"request", callErr.Request,
			"response", callErr.Response,
			"error", err,
		)
	} else {
		c.logger.Error("write failed",
			"device", dev.Identifier,
			"property", prop.Identifier,
			"error", err,
		)
	}

	c.queue.Append(queue.StoreDeviceConnectionState{
		Connector:  conn.ID,
		Identifier: dev.Identifier,
		State:      connState,
	})
}

// classifyWriteError maps a failed device call onto the connection state
// the device should transition to.
func classifyWriteError(err error) device.ConnectionState {
	var apiErr *tuya.APIError
	var callErr *tuya.CallError
	switch {
	case errors.Is(err, tuya.ErrInvalidState):
		return device.StateAlert
	case errors.As(err, &apiErr):
		return device.StateAlert
	case errors.As(err, &callErr):
		return device.StateDisconnected
	default:
		return device.StateLost
	}
}

// transformToDevice converts a desired value into the device's native
// representation for the property's data type. A nil result means the
// value cannot be expressed and the write must be abandoned.
func transformToDevice(prop *device.Property, value any) any {
	if value == nil {
		return nil
	}

	switch prop.DataType {
	case device.DataTypeBool:
		return toBool(value)
	case device.DataTypeInt:
		f, ok := toFloat(value)
		if !ok {
			return nil
		}
		return int(math.Round(f * scaleFactor(prop.Scale)))
	case device.DataTypeFloat:
		f, ok := toFloat(value)
		if !ok {
			return nil
		}
		return f * scaleFactor(prop.Scale)
	case device.DataTypeString, device.DataTypeEnum, device.DataTypeJSON, device.DataTypeRaw:
		if s, ok := value.(string); ok {
			return s
		}
		return nil
	default:
		return nil
	}
}

// scaleFactor returns the multiplier turning a human value into the
// device's scaled integer space (scale 1 means the device counts tenths).
func scaleFactor(scale *int) float64 {
	if scale == nil || *scale == 0 {
		return 1
	}
	return math.Pow(10, float64(*scale))
}

func toBool(value any) any {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil
		}
		return b
	default:
		return nil
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
