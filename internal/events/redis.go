package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	appconfig "bidflow/config"
	"bidflow/logger"
)

// RedisSubscriber applies lifecycle events published on a Redis channel.
// Pub/Sub has no replay, so events sent while disconnected are lost.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	handler *Handler
	pubsub  *redis.PubSub
	wg      sync.WaitGroup
	mu      sync.Mutex
	log     *logger.Log
}

func NewRedisSubscriber(cfg appconfig.RedisConfig, handler *Handler) (*RedisSubscriber, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address not configured")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("redis channel not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisSubscriber{
		client:  client,
		channel: cfg.Channel,
		handler: handler,
		log:     logger.GetLogger(),
	}, nil
}

func (rs *RedisSubscriber) Start(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.pubsub != nil {
		return fmt.Errorf("redis subscriber already running")
	}

	ps := rs.client.Subscribe(ctx, rs.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe to %s: %w", rs.channel, err)
	}
	rs.pubsub = ps

	rs.log.WithComponent("events").WithField("channel", rs.channel).Info("subscribed to lifecycle channel")

	rs.wg.Add(1)
	go rs.run(ctx, ps.Channel())
	return nil
}

func (rs *RedisSubscriber) run(ctx context.Context, ch <-chan *redis.Message) {
	defer rs.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			rs.handler.HandleMessage(ctx, []byte(msg.Payload))
		}
	}
}

func (rs *RedisSubscriber) Stop() {
	rs.mu.Lock()
	ps := rs.pubsub
	rs.pubsub = nil
	rs.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			rs.log.WithComponent("events").WithError(err).Warn("failed to close redis subscription")
		}
	}
	rs.wg.Wait()
	rs.handler.Wait()
	if err := rs.client.Close(); err != nil {
		rs.log.WithComponent("events").WithError(err).Warn("failed to close redis client")
	}
}
