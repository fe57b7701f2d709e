package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bidflow/config"
	"bidflow/logger"
)

const fetchRetryDelay = time.Second

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads lifecycle events from a consumer group. Offsets are
// committed only after an event was applied, so delivery is at-least-once.
type KafkaConsumer struct {
	reader  messageReader
	handler *Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewKafkaConsumer(cfg appconfig.KafkaConfig, handler *Handler) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.LifecycleTopic == "" {
		return nil, fmt.Errorf("kafka lifecycle topic not configured")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.LifecycleTopic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	kc := newKafkaConsumer(r, handler)
	kc.log.WithComponent("events").WithFields(logger.Fields{
		"brokers":  cfg.Brokers,
		"topic":    cfg.LifecycleTopic,
		"group_id": cfg.GroupID,
	}).Debug("kafka lifecycle consumer initialized")
	return kc, nil
}

func newKafkaConsumer(r messageReader, handler *Handler) *KafkaConsumer {
	return &KafkaConsumer{reader: r, handler: handler, log: logger.GetLogger()}
}

func (kc *KafkaConsumer) Start(ctx context.Context) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if kc.running {
		return fmt.Errorf("kafka consumer already running")
	}
	kc.running = true

	ctx, kc.cancel = context.WithCancel(ctx)
	kc.wg.Add(1)
	go kc.run(ctx)
	return nil
}

func (kc *KafkaConsumer) run(ctx context.Context) {
	defer kc.wg.Done()
	log := kc.log.WithComponent("events")

	for {
		msg, err := kc.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to fetch lifecycle event")
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		kc.handler.HandleMessage(ctx, msg.Value)

		if err := kc.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithFields(logger.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("failed to commit lifecycle event")
		}
	}
}

func (kc *KafkaConsumer) Stop() {
	kc.mu.Lock()
	if !kc.running {
		kc.mu.Unlock()
		return
	}
	kc.running = false
	cancel := kc.cancel
	kc.mu.Unlock()

	cancel()
	kc.wg.Wait()
	kc.handler.Wait()
	if err := kc.reader.Close(); err != nil {
		kc.log.WithComponent("events").WithError(err).Warn("failed to close kafka reader")
	}
}
