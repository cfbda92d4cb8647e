// Package transport provides pluggable at-least-once message transports for
// workflow envelopes over named topics.
//
// Supported backends:
// - InMemory: process-local FIFO queues for development and testing (default)
// - Redis: durable streams with consumer groups for distributed deployments
//
// Multiple subscribers on the same topic form a competing-consumer group:
// each published envelope is delivered to exactly one of them, possibly more
// than once under redelivery.
package transport

import (
	"context"
	"errors"

	"github.com/BaSui01/slipstream/types"
)

// Common errors
var (
	ErrConnect = errors.New("transport connect failed")
	ErrClosed  = errors.New("transport is closed")
	ErrPublish = errors.New("transport publish failed")
)

// BackendType represents the type of transport backend.
type BackendType string

const (
	BackendInMemory BackendType = "inmemory"
	BackendRedis    BackendType = "redis"
)

// Delivery is one message handed to a subscriber. Tag identifies the delivery
// for Ack/Nack. When the delivered bytes fail to deserialize, Message is nil
// and Err holds the parse error; the consumer must still Ack the tag.
type Delivery struct {
	Tag     string
	Topic   string
	Body    []byte
	Message *types.Message
	Err     error
}

// Transport is the contract every backend implements.
//
// Publish is an at-least-once durable handoff: a nil return means the message
// is recoverable by some subscriber of the topic (for durable backends, even
// across a transport restart). Subscribe returns a live channel of deliveries
// that closes on Disconnect or context cancellation. Ack and Nack are
// idempotent per tag.
type Transport interface {
	// Connect acquires broker resources. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect releases resources and closes open subscriptions. Idempotent.
	Disconnect(ctx context.Context) error

	// Publish hands the envelope to the named topic.
	Publish(ctx context.Context, topic string, msg *types.Message) error

	// Subscribe yields deliveries for the topic until the context is done or
	// the transport disconnects.
	Subscribe(ctx context.Context, topic string) (<-chan Delivery, error)

	// Ack confirms processing of a delivery.
	Ack(ctx context.Context, tag string) error

	// Nack rejects a delivery. With requeue the message becomes eligible for
	// redelivery; backends that cannot requeue in place republish the raw
	// bytes to the end of the same topic and ack the original.
	Nack(ctx context.Context, tag string, requeue bool) error
}
