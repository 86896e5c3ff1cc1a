package session

import (
	"context"
	"errors"
	"sync"

	"github.com/manu5703/concurrent-analytics-system/pkg/logging"
	"github.com/manu5703/concurrent-analytics-system/pkg/metrics"
	"github.com/manu5703/concurrent-analytics-system/pkg/models"
	"github.com/manu5703/concurrent-analytics-system/pkg/store"
)

// DefaultQueueSize is the default capacity of the push update queue
const DefaultQueueSize = 1024

var (
	ErrQueueFull   = errors.New("event queue is full")
	ErrQueueClosed = errors.New("event queue is closed")
)

// Merger applies a push update to the job state
type Merger interface {
	MergeUpdate(update models.JobRecord) store.MergeOutcome
}

// EventQueue is a bounded FIFO of push updates with a single consumer.
// Enqueue never blocks, so the push channel reader is never held up by
// the store; updates are merged in arrival order.
//
// When the FIFO is full, updates spill into an overflow that keeps one
// coalesced update per job, so the latest status of a job still reaches
// the store. Once the overflow is in use every later update goes there too
// until the consumer has drained the FIFO and flushed it.
type EventQueue struct {
	events  chan models.JobRecord
	merger  Merger
	logger  *logging.Logger
	metrics *metrics.Metrics
	size    int

	mu       sync.Mutex
	closed   bool
	overflow map[string]models.JobRecord
	order    []string // overflow job IDs by first arrival
	wake     chan struct{}
	done     chan struct{}
}

// NewEventQueue creates a queue that feeds merger
func NewEventQueue(merger Merger, size int, logger *logging.Logger, m *metrics.Metrics) *EventQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &EventQueue{
		events:   make(chan models.JobRecord, size),
		merger:   merger,
		logger:   logger.Named("event_queue"),
		metrics:  m,
		size:     size,
		overflow: make(map[string]models.JobRecord),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds an update without blocking. It returns ErrQueueFull only
// when both the FIFO and the overflow are full and the update is for a job
// the overflow does not hold yet.
func (q *EventQueue) Enqueue(update models.JobRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if len(q.order) == 0 {
		select {
		case q.events <- update:
			q.metrics.SetQueueDepth(len(q.events))
			return nil
		default:
		}
	}

	if prev, ok := q.overflow[update.JobID]; ok {
		q.overflow[update.JobID] = store.Coalesce(prev, update)
		q.metrics.RecordPushEvent("coalesced")
		return nil
	}
	if len(q.order) >= q.size {
		return ErrQueueFull
	}
	q.overflow[update.JobID] = update
	q.order = append(q.order, update.JobID)
	q.metrics.SetQueueDepth(len(q.events) + len(q.order))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run consumes updates until ctx is done or the queue is closed and drained
func (q *EventQueue) Run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-q.events:
			if !ok {
				q.flushOverflow()
				return
			}
			q.apply(update)
			if len(q.events) == 0 {
				q.flushOverflow()
			}
		case <-q.wake:
			if len(q.events) == 0 {
				q.flushOverflow()
			}
		}
	}
}

// flushOverflow applies the coalesced updates once the FIFO is empty, so
// they land after everything that arrived before them
func (q *EventQueue) flushOverflow() {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	pending := make([]models.JobRecord, 0, len(q.order))
	for _, id := range q.order {
		pending = append(pending, q.overflow[id])
		delete(q.overflow, id)
	}
	q.order = q.order[:0]
	q.mu.Unlock()

	for _, update := range pending {
		q.apply(update)
	}
}

func (q *EventQueue) apply(update models.JobRecord) {
	outcome := q.merger.MergeUpdate(update)
	q.metrics.SetQueueDepth(len(q.events))
	q.metrics.RecordPushEvent(outcome.String())

	if outcome == store.OutcomeDiscarded {
		q.logger.Debug("discarded push update", map[string]interface{}{"job_id": update.JobID})
		return
	}
	q.logger.Debug("applied push update", map[string]interface{}{
		"job_id":  update.JobID,
		"status":  string(update.Status),
		"outcome": outcome.String(),
	})
}

// Len returns the number of updates waiting, overflow included
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) + len(q.order)
}

// Close stops accepting updates; Run drains what is left and returns
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

// Done is closed once Run has returned
func (q *EventQueue) Done() <-chan struct{} {
	return q.done
}
