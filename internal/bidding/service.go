// Package bidding holds the single acceptance rule for bids. Connected bidders
// and the auto-bid engine both submit through Service.
package bidding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bidflow/internal/ledger"
	"bidflow/internal/metrics"
	"bidflow/logger"
	"bidflow/models"
)

// Announcer replicates accepted bids to other services. Implementations must
// not block the caller.
type Announcer interface {
	Announce(bid models.Bid, source models.BidSource)
}

type sourceKey struct{}

// WithSource tags ctx with the origin of the bids submitted under it. Untagged
// submissions count as human.
func WithSource(ctx context.Context, source models.BidSource) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) models.BidSource {
	if s, ok := ctx.Value(sourceKey{}).(models.BidSource); ok {
		return s
	}
	return models.BidSourceHuman
}

type auctionLock struct {
	mu   sync.Mutex
	refs int
}

type Service struct {
	bids      ledger.Ledger
	auctions  ledger.AuctionReader
	announcer Announcer
	log       *logger.Log
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*auctionLock
}

func NewService(bids ledger.Ledger, auctions ledger.AuctionReader, announcer Announcer) *Service {
	return &Service{
		bids:      bids,
		auctions:  auctions,
		announcer: announcer,
		log:       logger.GetLogger(),
		now:       time.Now,
		locks:     make(map[string]*auctionLock),
	}
}

// lock serialises read-compare-append for one auction. Entries are dropped
// once no submitter holds or waits on them.
func (s *Service) lock(auctionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[auctionID]
	if !ok {
		l = &auctionLock{}
		s.locks[auctionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, auctionID)
		}
		s.mu.Unlock()
	}
}

// Submit validates amount against the freshest ledger state and appends the
// bid on success. A rejection is reported as *AmountPrecisionError or
// *BidTooLowError. Any other error comes from the ledger.
func (s *Service) Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (models.Bid, error) {
	source := sourceFrom(ctx)

	if !models.WithinScale(amount) {
		metrics.IncrementRejected(string(source), "precision")
		logger.IncrementBidRejected()
		return models.Bid{}, &AmountPrecisionError{Amount: amount, Scale: models.AmountScale}
	}

	unlock := s.lock(auctionID)
	defer unlock()

	required, err := s.requiredMinimum(ctx, auctionID)
	if err != nil {
		return models.Bid{}, err
	}

	if !amount.IsPositive() || amount.LessThan(required) {
		metrics.IncrementRejected(string(source), "too_low")
		logger.IncrementBidRejected()
		return models.Bid{}, &BidTooLowError{Amount: amount, Required: required}
	}

	bid := models.Bid{
		ID:         uuid.NewString(),
		AuctionID:  auctionID,
		BidderID:   bidderID,
		BidderName: bidderName,
		Amount:     amount,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.bids.AppendBid(ctx, bid); err != nil {
		metrics.IncrementRejected(string(source), "ledger")
		return models.Bid{}, fmt.Errorf("append bid: %w", err)
	}

	metrics.IncrementAccepted(string(source))
	logger.IncrementBidAccepted()
	s.log.WithComponent("bidding").WithFields(logger.Fields{
		"auction_id": auctionID,
		"bidder_id":  bidderID,
		"amount":     amount.String(),
		"source":     source,
	}).Debug("bid accepted")

	if s.announcer != nil {
		s.announcer.Announce(bid, source)
	}
	return bid, nil
}

// requiredMinimum is the leading amount plus the auction's step.
func (s *Service) requiredMinimum(ctx context.Context, auctionID string) (decimal.Decimal, error) {
	auction, leading, err := s.leading(ctx, auctionID)
	if err != nil {
		return decimal.Zero, err
	}
	return leading.Add(auction.MinBidStep), nil
}

func (s *Service) leading(ctx context.Context, auctionID string) (models.AuctionSnapshot, decimal.Decimal, error) {
	auction, err := s.auctions.Auction(ctx, auctionID)
	if err != nil {
		return models.AuctionSnapshot{}, decimal.Zero, fmt.Errorf("read auction: %w", err)
	}
	highest, err := s.bids.HighestBid(ctx, auctionID)
	if err != nil {
		return models.AuctionSnapshot{}, decimal.Zero, fmt.Errorf("read highest bid: %w", err)
	}
	if highest != nil {
		return auction, highest.Amount, nil
	}
	return auction, auction.BasePrice, nil
}

// LeadingAmount is the highest accepted amount, or the base price when the
// auction has no bids yet.
func (s *Service) LeadingAmount(ctx context.Context, auctionID string) (decimal.Decimal, error) {
	_, leading, err := s.leading(ctx, auctionID)
	return leading, err
}

// MinBidStep returns the auction's current minimum increment.
func (s *Service) MinBidStep(ctx context.Context, auctionID string) (decimal.Decimal, error) {
	auction, err := s.auctions.Auction(ctx, auctionID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read auction: %w", err)
	}
	return auction.MinBidStep, nil
}

// History returns the auction's accepted bids in acceptance order.
func (s *Service) History(ctx context.Context, auctionID string) ([]models.Bid, error) {
	bids, err := s.bids.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	return bids, nil
}
