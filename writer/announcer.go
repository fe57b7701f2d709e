package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bidflow/config"
	"bidflow/internal/metrics"
	"bidflow/logger"
	"bidflow/models"
)

const publishTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BidAnnouncer publishes every accepted bid to the bids topic, keyed by
// auction so that one auction's bids stay ordered within a partition.
type BidAnnouncer struct {
	topic   string
	queue   chan models.BidAnnouncement
	writer  messageWriter
	stopCh  chan struct{}
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewBidAnnouncer(cfg appconfig.KafkaConfig) (*BidAnnouncer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.BidsTopic == "" {
		return nil, fmt.Errorf("kafka bids topic not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.BidsTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	ba := newBidAnnouncer(cfg.BidsTopic, cfg.AnnounceBuffer, w)
	ba.log.WithComponent("bid_announcer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.BidsTopic,
	}).Debug("bid announcer initialized")
	return ba, nil
}

func newBidAnnouncer(topic string, buffer int, w messageWriter) *BidAnnouncer {
	if buffer <= 0 {
		buffer = 1024
	}
	return &BidAnnouncer{
		topic:  topic,
		queue:  make(chan models.BidAnnouncement, buffer),
		writer: w,
		stopCh: make(chan struct{}),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Announce queues the bid without blocking. A full queue is counted as an
// announce failure; the bid itself stays accepted.
func (ba *BidAnnouncer) Announce(bid models.Bid, source models.BidSource) {
	msg := models.BidAnnouncement{Bid: bid, Source: source, AnnouncedAt: time.Now().UTC()}
	select {
	case ba.queue <- msg:
	default:
		metrics.IncrementAnnounceFailure()
		ba.log.WithComponent("bid_announcer").WithFields(logger.Fields{
			"auction_id": bid.AuctionID,
			"bid_id":     bid.ID,
		}).Warn("announce queue full, bid not announced")
	}
}

func (ba *BidAnnouncer) Start(ctx context.Context) error {
	ba.mu.Lock()
	if ba.running {
		ba.mu.Unlock()
		return fmt.Errorf("bid announcer already running")
	}
	ba.running = true
	ba.ctx = ctx
	ba.mu.Unlock()

	ba.log.WithComponent("bid_announcer").Debug("starting bid announcer")

	ba.wg.Add(1)
	go ba.run()

	return nil
}

// run publishes until Stop. Cancelling the start context does not end it, so
// bids accepted while the process winds down are still announced.
func (ba *BidAnnouncer) run() {
	defer ba.wg.Done()

	for {
		select {
		case <-ba.stopCh:
			ba.drain()
			return
		case msg := <-ba.queue:
			ba.publish(msg)
		}
	}
}

// drain publishes whatever is still queued when the announcer stops.
func (ba *BidAnnouncer) drain() {
	for {
		select {
		case msg := <-ba.queue:
			ba.publish(msg)
		default:
			return
		}
	}
}

func (ba *BidAnnouncer) publish(msg models.BidAnnouncement) {
	log := ba.log.WithComponent("bid_announcer").WithFields(logger.Fields{
		"auction_id": msg.Bid.AuctionID,
		"bid_id":     msg.Bid.ID,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		metrics.IncrementAnnounceFailure()
		log.WithError(err).Warn("failed to marshal bid announcement")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ba.ctx), publishTimeout)
	defer cancel()
	err = ba.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Bid.AuctionID),
		Value: data,
	})
	if err != nil {
		metrics.IncrementAnnounceFailure()
		log.WithError(err).Warn("failed to publish bid announcement")
		return
	}
	log.Debug("bid announced")
}

func (ba *BidAnnouncer) Stop() {
	ba.mu.Lock()
	if !ba.running {
		ba.mu.Unlock()
		return
	}
	ba.running = false
	ba.mu.Unlock()

	ba.log.WithComponent("bid_announcer").Debug("stopping bid announcer")
	close(ba.stopCh)
	ba.wg.Wait()
	if err := ba.writer.Close(); err != nil {
		ba.log.WithComponent("bid_announcer").WithError(err).Warn("failed to close kafka writer")
	}
	ba.log.WithComponent("bid_announcer").Debug("bid announcer stopped")
}

// NopAnnouncer is used when no bids topic is configured.
type NopAnnouncer struct{}

func (NopAnnouncer) Announce(models.Bid, models.BidSource) {}
