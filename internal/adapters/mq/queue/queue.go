// Package queue buffers inference frames between the classifier stream and
// the detection workers.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/okian/aegis/internal/domain/model"
	"github.com/okian/aegis/pkg/metrics"
)

const defaultQueueCapacity = 256

// Item is a queued frame stamped with its arrival time.
type Item struct {
	Frame      model.Frame
	EnqueuedAt time.Time
}

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a frame. It returns ErrFull instead of blocking.
	Enqueue(ctx context.Context, f model.Frame) error

	// Dequeue returns a channel of queued items, closed when the queue closes.
	Dequeue(ctx context.Context) <-chan Item

	Len() int
	Capacity() int
	Close() error
	IsClosed() bool
}

// FrameQueue implements Queue with a bounded channel.
type FrameQueue struct {
	items    chan Item
	capacity int

	mu     sync.RWMutex
	closed bool
}

// NewFrameQueue creates a bounded in-memory frame queue.
func NewFrameQueue(opts ...Option) *FrameQueue {
	q := &FrameQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.items = make(chan Item, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0.0)
	return q
}

// Enqueue implements Queue.Enqueue.
func (q *FrameQueue) Enqueue(ctx context.Context, f model.Frame) error { //nolint:gocritic // hugeParam: frames travel by value
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return err
	}

	select {
	case q.items <- Item{Frame: f, EnqueuedAt: time.Now()}:
		metrics.RecordQueueEnqueue()
		q.observe()
		return nil
	default:
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return ErrFull
	}
}

// Dequeue implements Queue.Dequeue.
func (q *FrameQueue) Dequeue(ctx context.Context) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		for it := range q.items {
			select {
			case out <- it:
				metrics.RecordQueueDequeue()
				metrics.RecordQueueProcessingLatency(float64(time.Since(it.EnqueuedAt).Milliseconds()))
				q.observe()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Len returns the current number of queued frames.
func (q *FrameQueue) Len() int {
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *FrameQueue) Capacity() int {
	return q.capacity
}

// Close stops accepting frames. Frames already queued are still delivered.
func (q *FrameQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.items)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *FrameQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *FrameQueue) observe() {
	size := len(q.items)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}
