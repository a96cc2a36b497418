package queue

import (
	"context"
	"encoding/json"
)

// Consumer claims and processes messages of specific kinds. Consume
// returns true when the consumer handled the message; expected domain
// failures are logged inside the consumer and still count as handled.
// Consumers must never panic across this boundary for expected conditions.
type Consumer interface {
	Consume(ctx context.Context, msg Message) bool
}

// Dispatcher routes queued messages to an ordered list of consumers.
// Delivery is at-most-once: a message no consumer claims is logged and
// dropped, never re-enqueued.
type Dispatcher struct {
	queue     *Queue
	consumers []Consumer
	logger    Logger
}

// NewDispatcher creates a dispatcher over the given queue. Consumers are
// tried in the order given.
func NewDispatcher(q *Queue, consumers []Consumer) *Dispatcher {
	return &Dispatcher{
		queue:     q,
		consumers: consumers,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Consume drains at most one message. With no consumers registered it logs
// an error and leaves the message queued, avoiding silent loss. Otherwise
// the dequeued message is offered to each consumer in registration order
// until one reports handled.
func (d *Dispatcher) Consume(ctx context.Context) {
	if d.queue.IsEmpty() {
		return
	}

	if len(d.consumers) == 0 {
		d.logger.Error("no consumers registered, message left queued")
		return
	}

	msg, ok := d.queue.Dequeue()
	if !ok {
		return
	}

	for _, consumer := range d.consumers {
		if consumer.Consume(ctx, msg) {
			return
		}
	}

	payload, _ := json.Marshal(msg)
	d.logger.Error("message not handled by any consumer",
		"kind", string(msg.Kind()),
		"payload", string(payload),
	)
}

// Run drains the queue until ctx is cancelled, sleeping between appends.
// One message is processed per iteration, so two messages affecting the
// same device are never applied concurrently.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.queue.Wake():
		}

		for !d.queue.IsEmpty() {
			if ctx.Err() != nil {
				return
			}
			d.Consume(ctx)
		}
	}
}
