package ledger

import (
	"context"
	"fmt"
	"sync"

	"bidflow/models"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	auctions map[string]models.AuctionSnapshot
	bids     map[string][]models.Bid
}

func NewMemory() *Memory {
	return &Memory{
		auctions: make(map[string]models.AuctionSnapshot),
		bids:     make(map[string][]models.Bid),
	}
}

// SeedAuction inserts or replaces an auction record.
func (m *Memory) SeedAuction(a models.AuctionSnapshot) {
	m.mu.Lock()
	m.auctions[a.AuctionID] = a
	m.mu.Unlock()
}

func (m *Memory) AppendBid(ctx context.Context, bid models.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[bid.AuctionID]; !ok {
		return fmt.Errorf("append bid to %s: %w", bid.AuctionID, ErrAuctionNotFound)
	}
	m.bids[bid.AuctionID] = append(m.bids[bid.AuctionID], bid)
	return nil
}

func (m *Memory) HighestBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var highest *models.Bid
	for i := range m.bids[auctionID] {
		b := m.bids[auctionID][i]
		if highest == nil || b.Amount.GreaterThan(highest.Amount) {
			highest = &b
		}
	}
	return highest, nil
}

func (m *Memory) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Bid, len(m.bids[auctionID]))
	copy(out, m.bids[auctionID])
	return out, nil
}

func (m *Memory) Auction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.AuctionSnapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.auctions[auctionID]
	if !ok {
		return models.AuctionSnapshot{}, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)
	}
	return a, nil
}

func (m *Memory) ActiveAuctions(ctx context.Context) ([]models.AuctionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.AuctionSnapshot, 0, len(m.auctions))
	for _, a := range m.auctions {
		if a.Status == models.AuctionStatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}
