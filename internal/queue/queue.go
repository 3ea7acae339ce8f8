// Package queue provides the per-symbol sequenced event queue. Each symbol has
// exactly one queue and one consumer goroutine, so every metric write and
// decision evaluation for a symbol observes events in arrival order. On
// overflow the oldest event is dropped, favoring liveness over completeness.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/pkg/types"
)

// DefaultMaxDepth bounds a queue when no explicit bound is configured.
const DefaultMaxDepth = 5000

// Handler consumes one event. Errors are logged and the next event proceeds.
type Handler func(ev types.Event) error

// Stats is an observable snapshot of queue counters.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Consumed int64 `json:"consumed"`
	Dropped  int64 `json:"dropped"`
	Errors   int64 `json:"errors"`
	Length   int   `json:"length"`
}

// SequencedQueue is a bounded FIFO with a single consumer goroutine.
type SequencedQueue struct {
	logger *zap.Logger
	symbol string
	max    int

	mu     sync.Mutex
	buf    []types.Event
	head   int
	notify chan struct{}

	enqueued atomic.Int64
	consumed atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64

	started atomic.Bool
	done    chan struct{}
}

// New creates a queue for symbol bounded at maxDepth events.
func New(logger *zap.Logger, symbol string, maxDepth int) *SequencedQueue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &SequencedQueue{
		logger: logger.Named("queue"),
		symbol: symbol,
		max:    maxDepth,
		buf:    make([]types.Event, 0, 64),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends ev, dropping the oldest retained event when full. Safe for
// concurrent producers; this is the only cross-goroutine entry point.
func (q *SequencedQueue) Enqueue(ev types.Event) {
	q.mu.Lock()
	if q.length() >= q.max {
		q.head++
		q.compact()
		q.dropped.Add(1)
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	q.enqueued.Add(1)

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Start launches the consumer goroutine. It drains to quiescence and exits
// when ctx is cancelled.
func (q *SequencedQueue) Start(ctx context.Context, handler Handler) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	go q.consume(ctx, handler)
}

// Done is closed once the consumer has drained and exited.
func (q *SequencedQueue) Done() <-chan struct{} { return q.done }

func (q *SequencedQueue) consume(ctx context.Context, handler Handler) {
	defer close(q.done)

	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				// Drain whatever arrived before cancellation, then exit.
				for {
					ev, ok := q.pop()
					if !ok {
						return
					}
					q.handle(handler, ev)
				}
			case <-q.notify:
				continue
			}
		}
		q.handle(handler, ev)
	}
}

func (q *SequencedQueue) handle(handler Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.errors.Add(1)
			q.logger.Error("event handler panic",
				zap.String("symbol", q.symbol),
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler(ev); err != nil {
		q.errors.Add(1)
		q.logger.Warn("event handler error",
			zap.String("symbol", q.symbol),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
	}
	q.consumed.Add(1)
}

func (q *SequencedQueue) pop() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length() == 0 {
		return types.Event{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = types.Event{}
	q.head++
	q.compact()
	return ev, true
}

// Length returns the number of retained events.
func (q *SequencedQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length()
}

// GetStats returns current counters.
func (q *SequencedQueue) GetStats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Consumed: q.consumed.Load(),
		Dropped:  q.dropped.Load(),
		Errors:   q.errors.Load(),
		Length:   q.Length(),
	}
}

func (q *SequencedQueue) length() int { return len(q.buf) - q.head }

func (q *SequencedQueue) compact() {
	if q.head > 256 && q.head*2 > len(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		for i := n; i < len(q.buf); i++ {
			q.buf[i] = types.Event{}
		}
		q.buf = q.buf[:n]
		q.head = 0
	}
}
