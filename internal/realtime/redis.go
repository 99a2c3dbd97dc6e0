package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
)

// RedisBus is a Bus backed by Redis pub/sub, one channel per battle table
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBus connects to Redis and verifies the connection
func NewRedisBus(redisURL string, log zerolog.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("redis_addr", opt.Addr).Msg("Connected to Redis successfully")

	return NewRedisBusFromClient(client, log), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, log zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.WithComponent(log, "realtime"),
	}
}

// Publish encodes the event as JSON and publishes it on the battle table channel
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	channel := Channel(event.BattleID, event.Table)
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	b.logger.Debug().
		Str("channel", channel).
		Str("type", string(event.Type)).
		Msg("Published event")

	return nil
}

// Subscribe listens on every channel of the battle. It returns once Redis
// has confirmed all subscriptions.
func (b *RedisBus) Subscribe(ctx context.Context, battleID string) (Subscription, error) {
	channels := Channels(battleID)
	pubsub := b.client.Subscribe(ctx, channels...)

	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to battle %s: %w", battleID, err)
		}
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan Event, memoryBuffer),
		done:   make(chan struct{}),
		logger: logger.WithBattle(b.logger, battleID),
	}
	go sub.forward()

	b.logger.Debug().Str("battle_id", battleID).Msg("Subscribed to battle")
	return sub, nil
}

// Close closes the Redis connection
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

// forward decodes messages in arrival order until the pubsub is closed
func (s *redisSubscription) forward() {
	defer close(s.events)

	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event")
			continue
		}
		if err := event.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping invalid event")
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
