package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/types"
)

// DefaultQueueSize bounds each in-memory topic queue. Publish blocks once the
// queue is full, which is the only backpressure the in-memory backend offers.
const DefaultQueueSize = 1024

type inMemoryItem struct {
	tag  string
	body []byte
}

// InMemory is a process-local FIFO transport. It offers no durability; ack
// semantics are bookkeeping only. Subscribing on an empty topic yields a live
// channel that blocks until a message arrives.
type InMemory struct {
	mu        sync.Mutex
	queues    map[string]chan inMemoryItem
	pending   map[string]inMemoryPending
	queueSize int
	closed    bool
	done      chan struct{}
	logger    *zap.Logger
}

type inMemoryPending struct {
	topic string
	body  []byte
}

// NewInMemory creates an in-memory transport with the given queue bound;
// size <= 0 uses DefaultQueueSize.
func NewInMemory(size int, logger *zap.Logger) *InMemory {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemory{
		queues:    map[string]chan inMemoryItem{},
		pending:   map[string]inMemoryPending{},
		queueSize: size,
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Connect implements Transport. The in-memory backend has no broker to reach.
func (t *InMemory) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: connect after disconnect", ErrClosed)
	}
	return nil
}

// Disconnect implements Transport. Open subscriptions observe the closure as
// a closed delivery channel.
func (t *InMemory) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

func (t *InMemory) queue(topic string) chan inMemoryItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[topic]
	if !ok {
		q = make(chan inMemoryItem, t.queueSize)
		t.queues[topic] = q
	}
	return q
}

// Publish implements Transport.
func (t *InMemory) Publish(ctx context.Context, topic string, msg *types.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return t.publishRaw(ctx, topic, body)
}

func (t *InMemory) publishRaw(ctx context.Context, topic string, body []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: publish on closed transport", ErrClosed)
	}
	item := inMemoryItem{tag: uuid.NewString(), body: body}
	select {
	case t.queue(topic) <- item:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: publish on closed transport", ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrPublish, ctx.Err())
	}
}

// Subscribe implements Transport. Multiple subscribers on the same topic
// compete for deliveries.
func (t *InMemory) Subscribe(ctx context.Context, topic string) (<-chan Delivery, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: subscribe on closed transport", ErrClosed)
	}
	t.mu.Unlock()

	q := t.queue(topic)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case item := <-q:
				d := t.toDelivery(topic, item)
				select {
				case out <- d:
				case <-ctx.Done():
					// Undelivered message goes back to the queue head slot we
					// can reach, which is the tail. At-least-once holds.
					t.requeue(topic, item)
					return
				case <-t.done:
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *InMemory) toDelivery(topic string, item inMemoryItem) Delivery {
	t.mu.Lock()
	t.pending[item.tag] = inMemoryPending{topic: topic, body: item.body}
	t.mu.Unlock()

	d := Delivery{Tag: item.tag, Topic: topic, Body: item.body}
	msg, err := types.Unmarshal(item.body)
	if err != nil {
		d.Err = err
	} else {
		d.Message = msg
	}
	return d
}

func (t *InMemory) requeue(topic string, item inMemoryItem) {
	t.mu.Lock()
	delete(t.pending, item.tag)
	t.mu.Unlock()
	select {
	case t.queue(topic) <- item:
	default:
		t.logger.Warn("in-memory queue full, dropping undelivered message",
			zap.String("topic", topic))
	}
}

// Ack implements Transport. Idempotent.
func (t *InMemory) Ack(ctx context.Context, tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, tag)
	return nil
}

// Nack implements Transport. With requeue the raw bytes return to the tail of
// the same topic under a fresh tag.
func (t *InMemory) Nack(ctx context.Context, tag string, requeue bool) error {
	t.mu.Lock()
	p, ok := t.pending[tag]
	delete(t.pending, tag)
	t.mu.Unlock()
	if !ok || !requeue {
		return nil
	}
	return t.publishRaw(ctx, p.topic, p.body)
}

// PendingCount reports deliveries handed out but not yet acknowledged.
// Intended for tests and introspection.
func (t *InMemory) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// QueuedCount reports messages sitting in the named topic queue.
func (t *InMemory) QueuedCount(topic string) int {
	t.mu.Lock()
	q, ok := t.queues[topic]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return len(q)
}

// Ensure InMemory implements Transport
var _ Transport = (*InMemory)(nil)
