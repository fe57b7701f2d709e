// Package autobid places proxy bids on behalf of bidders who registered a
// ceiling and an increment for an auction.
package autobid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bidflow/internal/bidding"
	"bidflow/internal/metrics"
	"bidflow/logger"
	"bidflow/models"
)

// Bidder is the validation entry point shared with connected bidders.
type Bidder interface {
	Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (models.Bid, error)
	MinBidStep(ctx context.Context, auctionID string) (decimal.Decimal, error)
	LeadingAmount(ctx context.Context, auctionID string) (decimal.Decimal, error)
}

type ActivityChecker interface {
	IsActive(auctionID string) bool
}

// Broadcaster delivers an accepted proxy bid to the auction's room.
type Broadcaster interface {
	Broadcast(auctionID string, bid models.Bid)
}

const (
	dropCeiling  = "ceiling"
	dropInactive = "inactive"
	dropObsolete = "obsolete"
)

type entry struct {
	seq    uint64
	config models.ProxyBidConfig
}

type Engine struct {
	bidder   Bidder
	activity ActivityChecker
	pacing   time.Duration
	log      *logger.Log

	mu          sync.Mutex
	configs     map[string][]entry
	nextSeq     uint64
	broadcaster Broadcaster
	running     map[string]bool
	pending     map[string]bool

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func NewEngine(bidder Bidder, activity ActivityChecker, pacing time.Duration) *Engine {
	return &Engine{
		bidder:   bidder,
		activity: activity,
		pacing:   pacing,
		log:      logger.GetLogger(),
		configs:  make(map[string][]entry),
		running:  make(map[string]bool),
		pending:  make(map[string]bool),
	}
}

// SetBroadcaster wires the hub after both sides are constructed.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	e.broadcaster = b
	e.mu.Unlock()
}

// Start binds triggered cycles to ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("auto-bid engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.log.WithComponent("autobid").WithField("pacing", e.pacing.String()).Debug("auto-bid engine started")
	return nil
}

// Stop cancels in-flight cycles and waits for them to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.WithComponent("autobid").Debug("auto-bid engine stopped")
}

// RegisterConfig stores or replaces the bidder's proxy config for an auction.
// A replacement keeps the bidder's place in the cycle order. The increase must
// be positive so every proxy bid raises the leading amount.
func (e *Engine) RegisterConfig(ctx context.Context, auctionID, bidderID, bidderName string, maxAmount, minIncrease decimal.Decimal) (models.ProxyBidConfig, error) {
	for _, amount := range []decimal.Decimal{maxAmount, minIncrease} {
		if !models.WithinScale(amount) {
			return models.ProxyBidConfig{}, &bidding.AmountPrecisionError{Amount: amount, Scale: models.AmountScale}
		}
	}

	step, err := e.bidder.MinBidStep(ctx, auctionID)
	if err != nil {
		return models.ProxyBidConfig{}, fmt.Errorf("read min bid step: %w", err)
	}
	if !minIncrease.IsPositive() || minIncrease.LessThan(step) {
		return models.ProxyBidConfig{}, &MinIncrementTooLowError{MinIncrease: minIncrease, Required: step}
	}

	cfg := models.ProxyBidConfig{
		BidderID:     bidderID,
		BidderName:   bidderName,
		MaxAmount:    maxAmount,
		MinIncrease:  minIncrease,
		RegisteredAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.nextSeq++
	next := entry{seq: e.nextSeq, config: cfg}
	list := e.configs[auctionID]
	replaced := false
	for i := range list {
		if list[i].config.BidderID == bidderID {
			list[i] = next
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, next)
	}
	e.configs[auctionID] = list
	e.mu.Unlock()

	e.log.WithComponent("autobid").WithFields(logger.Fields{
		"auction_id":   auctionID,
		"bidder_id":    bidderID,
		"max_amount":   maxAmount.String(),
		"min_increase": minIncrease.String(),
		"replaced":     replaced,
	}).Debug("proxy config registered")

	return cfg, nil
}

// Configs returns a copy of the auction's configs in cycle order.
func (e *Engine) Configs(auctionID string) []models.ProxyBidConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ProxyBidConfig, 0, len(e.configs[auctionID]))
	for _, en := range e.configs[auctionID] {
		out = append(out, en.config)
	}
	return out
}

// Clear drops every config of the auction.
func (e *Engine) Clear(auctionID string) {
	e.mu.Lock()
	n := len(e.configs[auctionID])
	delete(e.configs, auctionID)
	e.mu.Unlock()

	if n > 0 {
		e.log.WithComponent("autobid").WithFields(logger.Fields{
			"auction_id": auctionID,
			"configs":    n,
		}).Debug("proxy configs cleared")
	}
}

// Trigger schedules a cycle for the auction without waiting for it. At most
// one cycle per auction runs at a time; triggers arriving meanwhile collapse
// into a single re-run.
func (e *Engine) Trigger(auctionID string) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.log.WithComponent("autobid").WithField("auction_id", auctionID).Debug("trigger ignored, engine not running")
		return
	}
	if e.running[auctionID] {
		e.pending[auctionID] = true
		e.mu.Unlock()
		return
	}
	e.running[auctionID] = true
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runLoop(ctx, auctionID)
}

// runLoop repeats cycles while they keep placing bids or new triggers arrive.
// Amounts strictly increase, so every config eventually hits its ceiling.
func (e *Engine) runLoop(ctx context.Context, auctionID string) {
	defer e.wg.Done()
	for {
		advanced := e.RunCycle(ctx, auctionID)

		e.mu.Lock()
		again := (advanced || e.pending[auctionID]) && ctx.Err() == nil
		delete(e.pending, auctionID)
		if !again {
			delete(e.running, auctionID)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// RunCycle makes one pass over the auction's configs and reports whether any
// proxy bid was accepted.
func (e *Engine) RunCycle(ctx context.Context, auctionID string) bool {
	log := e.log.WithComponent("autobid").WithField("auction_id", auctionID)

	snapshot := e.snapshot(auctionID)
	if len(snapshot) == 0 || !e.activity.IsActive(auctionID) {
		e.clearWithReason(auctionID, dropInactive)
		return false
	}

	leading, err := e.bidder.LeadingAmount(ctx, auctionID)
	if err != nil {
		log.WithError(err).Warn("failed to read leading amount")
		return false
	}

	submitCtx := bidding.WithSource(ctx, models.BidSourceProxy)
	advanced := false

	for _, en := range snapshot {
		if ctx.Err() != nil {
			return advanced
		}
		if !e.activity.IsActive(auctionID) {
			e.clearWithReason(auctionID, dropInactive)
			log.Debug("auction went inactive mid-cycle")
			return advanced
		}

		cfg := en.config
		candidate := leading.Add(cfg.MinIncrease)
		if !candidate.GreaterThan(leading) || candidate.GreaterThan(cfg.MaxAmount) {
			e.drop(auctionID, en.seq, dropCeiling)
			log.WithFields(logger.Fields{
				"bidder_id": cfg.BidderID,
				"candidate": candidate.String(),
				"max":       cfg.MaxAmount.String(),
			}).Debug("proxy config reached its ceiling")
			continue
		}

		bid, err := e.bidder.Submit(submitCtx, auctionID, cfg.BidderID, cfg.BidderName, candidate)
		if errors.Is(err, bidding.ErrBidTooLow) {
			log.WithField("bidder_id", cfg.BidderID).Debug("proxy bid overtaken by a concurrent bid")
			continue
		}
		if err != nil {
			log.WithError(err).WithField("bidder_id", cfg.BidderID).Warn("proxy bid failed")
			continue
		}

		leading = candidate
		advanced = true
		e.broadcast(auctionID, bid)

		if !e.pause(ctx) {
			return advanced
		}
	}

	e.sweep(ctx, auctionID)
	return advanced
}

// sweep drops configs that can no longer beat the true highest bid.
func (e *Engine) sweep(ctx context.Context, auctionID string) {
	leading, err := e.bidder.LeadingAmount(ctx, auctionID)
	if err != nil {
		e.log.WithComponent("autobid").WithError(err).WithField("auction_id", auctionID).Warn("failed to re-read leading amount")
		return
	}

	for _, en := range e.snapshot(auctionID) {
		if leading.Add(en.config.MinIncrease).GreaterThan(en.config.MaxAmount) {
			e.drop(auctionID, en.seq, dropObsolete)
		}
	}
}

func (e *Engine) pause(ctx context.Context) bool {
	if e.pacing <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) broadcast(auctionID string, bid models.Bid) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()
	if b != nil {
		b.Broadcast(auctionID, bid)
	}
}

func (e *Engine) snapshot(auctionID string) []entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]entry, len(e.configs[auctionID]))
	copy(out, e.configs[auctionID])
	return out
}

// drop removes one config unless it was replaced since the snapshot.
func (e *Engine) drop(auctionID string, seq uint64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.configs[auctionID]
	for i := range list {
		if list[i].seq == seq {
			e.configs[auctionID] = append(list[:i:i], list[i+1:]...)
			if len(e.configs[auctionID]) == 0 {
				delete(e.configs, auctionID)
			}
			metrics.IncrementConfigDropped(reason)
			return
		}
	}
}

func (e *Engine) clearWithReason(auctionID, reason string) {
	e.mu.Lock()
	n := len(e.configs[auctionID])
	delete(e.configs, auctionID)
	e.mu.Unlock()
	for i := 0; i < n; i++ {
		metrics.IncrementConfigDropped(reason)
	}
}
