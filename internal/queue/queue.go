package queue

import (
	"encoding/json"
	"sync"
)

// Logger defines the logging interface used by the queue and dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Queue is the ordered holding area for pending messages. Producers
// (discovery clients, the pulsar listener, the writers) append from their
// own goroutines; a single dispatcher goroutine drains it. FIFO, no
// priority, no deduplication.
//
// All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	wake   chan struct{}
	logger Logger
}

// NewQueue creates an empty message queue.
func NewQueue() *Queue {
	return &Queue{
		wake:   make(chan struct{}, 1),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the queue.
func (q *Queue) SetLogger(logger Logger) {
	q.logger = logger
}

// Append enqueues a message at the tail and wakes the dispatcher.
func (q *Queue) Append(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	payload, _ := json.Marshal(msg)
	q.logger.Debug("message enqueued",
		"kind", string(msg.Kind()),
		"payload", string(payload),
	)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head message. The second return value is
// false when the queue is empty.
func (q *Queue) Dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// IsEmpty reports whether the queue holds no messages.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wake returns a channel that receives after appends. Used by the
// dispatcher loop to sleep until work arrives.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
