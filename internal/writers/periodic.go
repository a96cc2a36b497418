package writers

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/tuya-bridge-core/internal/device"
	"github.com/nerrad567/tuya-bridge-core/internal/queue"
	"github.com/nerrad567/tuya-bridge-core/internal/state"
)

// Logger is the minimal logging interface the writers depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// enqueuer is the narrow queue surface the writers need.
type enqueuer interface {
	Append(msg queue.Message)
}

// Periodic sweeps a connector's connected devices on a fixed tick and
// enqueues a write message for at most one outstanding desired value per
// tick. A debounce map bounds how often the same property is re-attempted.
type Periodic struct {
	connectorID string
	repo        device.Repository
	connections *state.ConnectionStore
	states      *state.Store
	queue       enqueuer
	logger      Logger

	pollInterval     time.Duration
	debounceInterval time.Duration
	pendingDelay     time.Duration

	swept    map[string]struct{}
	debounce map[string]time.Time

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// now is swapped in tests.
	now func() time.Time
}

// PeriodicOptions carries the scheduling knobs for a Periodic writer.
type PeriodicOptions struct {
	PollInterval     time.Duration
	DebounceInterval time.Duration
	PendingDelay     time.Duration
}

// NewPeriodic creates a periodic writer for one connector.
func NewPeriodic(connectorID string, repo device.Repository, connections *state.ConnectionStore, states *state.Store, q enqueuer, opts PeriodicOptions, logger Logger) *Periodic {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Periodic{
		connectorID:      connectorID,
		repo:             repo,
		connections:      connections,
		states:           states,
		queue:            q,
		logger:           logger,
		pollInterval:     opts.PollInterval,
		debounceInterval: opts.DebounceInterval,
		pendingDelay:     opts.PendingDelay,
		swept:            make(map[string]struct{}),
		debounce:         make(map[string]time.Time),
		stop:             make(chan struct{}),
		now:              time.Now,
	}
}

// Start launches the sweep loop. It returns immediately; Stop or context
// cancellation ends the loop.
func (w *Periodic) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.Tick(ctx)
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit.
func (w *Periodic) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Tick processes one sweep step: at most one connected, not-yet-swept
// device, from which at most one write is dispatched. Exposed so tests can
// drive the schedule without a real ticker.
func (w *Periodic) Tick(ctx context.Context) {
	dev, ok := w.nextDevice(ctx)
	if !ok {
		// Pass complete; the next tick starts over.
		w.swept = make(map[string]struct{})
		return
	}
	w.swept[dev.ID] = struct{}{}
	w.sweepDevice(ctx, dev)
}

// nextDevice finds a connected device not yet visited in this pass.
func (w *Periodic) nextDevice(ctx context.Context) (*device.Device, bool) {
	devices, err := w.repo.ListDevicesByConnector(ctx, w.connectorID)
	if err != nil {
		w.logger.Error("listing devices failed", "connector", w.connectorID, "error", err)
		return nil, false
	}
	for i := range devices {
		dev := &devices[i]
		if _, done := w.swept[dev.ID]; done {
			continue
		}
		if w.connections.Get(dev.ID) != device.StateConnected {
			continue
		}
		return dev, true
	}
	return nil, false
}

// sweepDevice scans the device's channels for one dispatchable outstanding
// write and enqueues it.
func (w *Periodic) sweepDevice(ctx context.Context, dev *device.Device) {
	channels, err := w.repo.ListChannels(ctx, dev.ID)
	if err != nil {
		w.logger.Error("listing channels failed", "device_id", dev.ID, "error", err)
		return
	}
	for _, ch := range channels {
		props, err := w.repo.ListChannelProperties(ctx, ch.ID)
		if err != nil {
			w.logger.Error("listing channel properties failed", "channel_id", ch.ID, "error", err)
			continue
		}
		for _, p := range props {
			if !p.Dynamic() || !p.Settable {
				continue
			}
			if !w.dispatchable(p.ID) {
				continue
			}
			w.debounce[p.ID] = w.now()
			w.queue.Append(queue.WriteChannelPropertyState{
				Connector: w.connectorID,
				Device:    dev.ID,
				Channel:   ch.ID,
				Property:  p.ID,
			})
			w.logger.Debug("write dispatched",
				"device", dev.Identifier,
				"property", p.Identifier,
			)
			// One write per tick bounds outbound throughput.
			return
		}
	}
}

// dispatchable decides whether the property's outstanding write should be
// attempted now.
func (w *Periodic) dispatchable(propertyID string) bool {
	st, ok := w.states.Get(propertyID)
	if !ok {
		return false
	}
	if st.ExpectedValue == nil || !st.Pending.IsSet() {
		return false
	}

	if last, attempted := w.debounce[propertyID]; attempted {
		if w.now().Sub(last) < w.debounceInterval {
			return false
		}
	}

	// A fresh expectation dispatches immediately. A timestamped pending
	// marks an issued write; only retry once the echo is overdue.
	if st.Pending.Flag() {
		return true
	}
	if at, ok := st.Pending.Timestamp(); ok {
		return w.now().Sub(at) > w.pendingDelay
	}
	return false
}
