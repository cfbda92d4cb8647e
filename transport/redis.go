package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/slipstream/types"
)

// bodyField is the stream entry field carrying the serialized envelope.
const bodyField = "body"

// RedisConfig contains Redis transport configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// Group is the consumer group name shared by all workers
	Group string `json:"group" yaml:"group"`

	// Consumer is this worker's unique consumer name; generated when empty
	Consumer string `json:"consumer" yaml:"consumer"`

	// Block is how long a single read blocks waiting for messages
	Block time.Duration `json:"block" yaml:"block"`

	// ClaimMinIdle is the visibility timeout after which pending entries of
	// dead consumers are claimed by the competing-consumer group
	ClaimMinIdle time.Duration `json:"claim_min_idle" yaml:"claim_min_idle"`

	// ClaimInterval is how often stale pending entries are scanned
	ClaimInterval time.Duration `json:"claim_interval" yaml:"claim_interval"`
}

// DefaultRedisConfig returns the default Redis transport configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DB:            0,
		PoolSize:      10,
		Group:         "slipstream",
		Block:         5 * time.Second,
		ClaimMinIdle:  30 * time.Second,
		ClaimInterval: 10 * time.Second,
	}
}

// Redis is a durable transport over Redis Streams with consumer groups.
// Each topic is an append-only stream; acknowledgements remove entries from
// the group's pending set. Entries left pending longer than ClaimMinIdle are
// claimed by whichever consumer scans next, so competing consumers take over
// from a crashed worker.
type Redis struct {
	config RedisConfig
	logger *zap.Logger

	mu      sync.Mutex
	client  *redis.Client
	groups  map[string]struct{}
	pending map[string][]byte
	closed  bool
	done    chan struct{}
}

// NewRedis creates a Redis Streams transport.
func NewRedis(config RedisConfig, logger *zap.Logger) *Redis {
	def := DefaultRedisConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.PoolSize <= 0 {
		config.PoolSize = def.PoolSize
	}
	if config.Group == "" {
		config.Group = def.Group
	}
	if config.Consumer == "" {
		config.Consumer = "consumer-" + uuid.NewString()
	}
	if config.Block <= 0 {
		config.Block = def.Block
	}
	if config.ClaimMinIdle <= 0 {
		config.ClaimMinIdle = def.ClaimMinIdle
	}
	if config.ClaimInterval <= 0 {
		config.ClaimInterval = def.ClaimInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		config:  config,
		logger:  logger.With(zap.String("component", "transport.redis")),
		groups:  map[string]struct{}{},
		pending: map[string][]byte{},
		done:    make(chan struct{}),
	}
}

// Connect implements Transport. Idempotent.
func (t *Redis) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: connect after disconnect", ErrClosed)
	}
	if t.client != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     t.config.Addr,
		Password: t.config.Password,
		DB:       t.config.DB,
		PoolSize: t.config.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	t.client = client
	return nil
}

// Disconnect implements Transport. Idempotent; open subscriptions observe a
// closed delivery channel.
func (t *Redis) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.client != nil {
		if err := t.client.Close(); err != nil {
			return err
		}
		t.client = nil
	}
	return nil
}

func (t *Redis) conn(ctx context.Context) (*redis.Client, error) {
	t.mu.Lock()
	client := t.client
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: transport disconnected", ErrClosed)
	}
	if client == nil {
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		t.mu.Lock()
		client = t.client
		t.mu.Unlock()
	}
	return client, nil
}

// ensureGroup creates the topic stream and consumer group once. BUSYGROUP
// replies from concurrent workers are expected and ignored.
func (t *Redis) ensureGroup(ctx context.Context, client *redis.Client, topic string) error {
	t.mu.Lock()
	_, ok := t.groups[topic]
	t.mu.Unlock()
	if ok {
		return nil
	}
	err := client.XGroupCreateMkStream(ctx, topic, t.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group on %s: %v", ErrConnect, topic, err)
	}
	t.mu.Lock()
	t.groups[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Publish implements Transport. XADD to the topic stream is the durable
// handoff: once appended, the entry survives a broker restart (subject to the
// server's persistence configuration).
func (t *Redis) Publish(ctx context.Context, topic string, msg *types.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return t.publishRaw(ctx, topic, body)
}

func (t *Redis) publishRaw(ctx context.Context, topic string, body []byte) error {
	client, err := t.conn(ctx)
	if err != nil {
		return err
	}
	if err := t.ensureGroup(ctx, client, topic); err != nil {
		return err
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{bodyField: string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", ErrPublish, topic, err)
	}
	return nil
}

// Subscribe implements Transport. The returned channel delivers one pending
// entry at a time; the read loop alternates blocking group reads with
// periodic claims of stale pending entries.
func (t *Redis) Subscribe(ctx context.Context, topic string) (<-chan Delivery, error) {
	client, err := t.conn(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.ensureGroup(ctx, client, topic); err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go t.readLoop(ctx, client, topic, out)
	return out, nil
}

func (t *Redis) readLoop(ctx context.Context, client *redis.Client, topic string, out chan<- Delivery) {
	defer close(out)
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		var msgs []redis.XMessage
		if time.Since(lastClaim) >= t.config.ClaimInterval {
			lastClaim = time.Now()
			msgs = t.claimStale(ctx, client, topic)
		}
		if len(msgs) == 0 {
			res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    t.config.Group,
				Consumer: t.config.Consumer,
				Streams:  []string{topic, ">"},
				Count:    1,
				Block:    t.config.Block,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil || t.isClosed() {
					return
				}
				t.logger.Warn("stream read failed",
					zap.String("topic", topic), zap.Error(err))
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				case <-t.done:
					return
				}
				continue
			}
			for _, stream := range res {
				msgs = append(msgs, stream.Messages...)
			}
		}

		for _, m := range msgs {
			d := t.toDelivery(topic, m)
			select {
			case out <- d:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}
}

// claimStale transfers pending entries idle past the visibility timeout to
// this consumer.
func (t *Redis) claimStale(ctx context.Context, client *redis.Client, topic string) []redis.XMessage {
	msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    t.config.Group,
		Consumer: t.config.Consumer,
		MinIdle:  t.config.ClaimMinIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() == nil && !t.isClosed() {
			t.logger.Warn("autoclaim failed",
				zap.String("topic", topic), zap.Error(err))
		}
		return nil
	}
	return msgs
}

func (t *Redis) toDelivery(topic string, m redis.XMessage) Delivery {
	tag := topic + "|" + m.ID
	var body []byte
	if s, ok := m.Values[bodyField].(string); ok {
		body = []byte(s)
	}
	t.mu.Lock()
	t.pending[tag] = body
	t.mu.Unlock()

	d := Delivery{Tag: tag, Topic: topic, Body: body}
	msg, err := types.Unmarshal(body)
	if err != nil {
		d.Err = err
	} else {
		d.Message = msg
	}
	return d
}

func (t *Redis) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func splitTag(tag string) (topic, id string, ok bool) {
	i := strings.LastIndex(tag, "|")
	if i < 0 {
		return "", "", false
	}
	return tag[:i], tag[i+1:], true
}

// Ack implements Transport. XACK removes the entry from the group's pending
// set; acknowledging twice is a no-op.
func (t *Redis) Ack(ctx context.Context, tag string) error {
	topic, id, ok := splitTag(tag)
	if !ok {
		return fmt.Errorf("invalid delivery tag %q", tag)
	}
	client, err := t.conn(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.pending, tag)
	t.mu.Unlock()
	return client.XAck(ctx, topic, t.config.Group, id).Err()
}

// Nack implements Transport. Streams cannot return an entry to the backlog,
// so a requeue republishes the raw bytes to the tail of the same topic and
// acks the original.
func (t *Redis) Nack(ctx context.Context, tag string, requeue bool) error {
	t.mu.Lock()
	body, ok := t.pending[tag]
	t.mu.Unlock()
	if requeue && ok && len(body) > 0 {
		topic, _, tagOK := splitTag(tag)
		if !tagOK {
			return fmt.Errorf("invalid delivery tag %q", tag)
		}
		if err := t.publishRaw(ctx, topic, body); err != nil {
			return err
		}
	}
	return t.Ack(ctx, tag)
}

// Ensure Redis implements Transport
var _ Transport = (*Redis)(nil)
