package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/logging"
)

const receiveBackoff = 500 * time.Millisecond

// envelope is the wire form of a relayed notification.
type envelope struct {
	Origin  string          `json:"origin"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay shares group notifications between instances over Redis
// pub/sub. Each instance subscribes only to groups that have local members
// and ignores the messages it published itself.
type RedisRelay struct {
	client   *redis.Client
	prefix   string
	instance string
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]context.CancelFunc
	deliver func(groupKey string, n *models.Notification)
}

func NewRedisRelay(client *redis.Client, channelPrefix string) *RedisRelay {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisRelay{
		client:   client,
		prefix:   channelPrefix,
		instance: uuid.NewString(),
		log:      logging.WithComponent("redis-relay"),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]context.CancelFunc),
		deliver:  func(string, *models.Notification) {},
	}
}

func (r *RedisRelay) Bind(deliver func(groupKey string, n *models.Notification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = deliver
}

func (r *RedisRelay) channel(groupKey string) string {
	return r.prefix + groupKey
}

// Instance returns the id stamped on every published envelope.
func (r *RedisRelay) Instance() string { return r.instance }

// Publish sends n to the other instances subscribed to groupKey.
func (r *RedisRelay) Publish(ctx context.Context, groupKey string, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(envelope{Origin: r.instance, Type: n.Type, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(groupKey), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", groupKey, err)
	}
	return nil
}

// Subscribe starts a receive loop for groupKey. Repeated calls are no-ops.
func (r *RedisRelay) Subscribe(groupKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[groupKey]; ok || r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.subs[groupKey] = cancel
	go r.receive(ctx, groupKey)
}

// Unsubscribe stops the receive loop for groupKey.
func (r *RedisRelay) Unsubscribe(groupKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.subs[groupKey]; ok {
		cancel()
		delete(r.subs, groupKey)
	}
}

// Subscriptions returns the number of active group subscriptions.
func (r *RedisRelay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Run blocks until ctx is done, then stops every subscription.
func (r *RedisRelay) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-r.ctx.Done():
	}
	r.Close()
	return nil
}

// Close stops every subscription. Idempotent.
func (r *RedisRelay) Close() {
	r.cancel()
	r.mu.Lock()
	r.subs = make(map[string]context.CancelFunc)
	r.mu.Unlock()
}

func (r *RedisRelay) receive(ctx context.Context, groupKey string) {
	channel := r.channel(groupKey)
	pubsub := r.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	r.log.Debug().Str("sessionGroupKey", groupKey).Str("channel", channel).Msg("Subscribed to group")

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// go-redis reconnects the pubsub on the next receive.
			r.log.Error().Err(err).Str("sessionGroupKey", groupKey).Msg("Relay receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.log.Error().Err(err).Str("sessionGroupKey", groupKey).Msg("Unmarshal relayed notification")
			continue
		}
		if env.Origin == r.instance {
			continue
		}

		r.mu.Lock()
		deliver := r.deliver
		r.mu.Unlock()
		deliver(groupKey, &models.Notification{Type: env.Type, Payload: env.Payload})
	}
}
