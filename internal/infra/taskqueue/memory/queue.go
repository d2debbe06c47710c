// Package memory provides an in-memory task queue. It offers a lightweight,
// non-persistent transport suitable for tests and single-process
// development where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ahrav/cloudscan-armada/internal/domain/tasks"
)

// ErrClosed is returned when enqueueing to a closed queue.
var ErrClosed = errors.New("task queue closed")

var _ tasks.Queue = (*Queue)(nil)

// Queue is a buffered, in-process implementation of tasks.Queue. A
// signature whose handler returns an error is redelivered.
type Queue struct {
	mu       sync.Mutex
	channels map[tasks.QueueName]chan tasks.Signature
	capacity int

	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a Queue whose per-queue buffers hold capacity signatures.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		channels: make(map[tasks.QueueName]chan tasks.Signature),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

func (q *Queue) channel(name tasks.QueueName) chan tasks.Signature {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[name]
	if !ok {
		ch = make(chan tasks.Signature, q.capacity)
		q.channels[name] = ch
	}
	return ch
}

// Enqueue buffers sig on its queue, blocking while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, sig tasks.Signature) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sig.Queue == "" {
		sig.Queue = sig.Name.Queue()
	}

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.channel(sig.Queue) <- sig:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports how many signatures are buffered on name.
func (q *Queue) Len(name tasks.QueueName) int { return len(q.channel(name)) }

// Consume delivers signatures from queues to handler, one goroutine per
// queue, until ctx is cancelled or the Queue is closed.
func (q *Queue) Consume(
	ctx context.Context,
	queues []tasks.QueueName,
	handler func(ctx context.Context, sig tasks.Signature) error,
) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	var wg sync.WaitGroup
	for _, name := range queues {
		ch := q.channel(name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case sig := <-ch:
					if err := handler(ctx, sig); err != nil {
						// Redeliver without blocking the consumer on a full buffer.
						go func() { _ = q.Enqueue(context.WithoutCancel(ctx), sig) }()
					}
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Close stops all consumers and rejects further enqueues.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
