// Package ledger is the gateway to durable bid storage and to the read-only
// auction records owned by the auction service.
package ledger

import (
	"context"
	"errors"

	"bidflow/models"
)

var ErrAuctionNotFound = errors.New("auction not found")

// Ledger is the append-only bid store. Acceptance order is the order in which
// AppendBid calls complete.
type Ledger interface {
	AppendBid(ctx context.Context, bid models.Bid) error
	// HighestBid returns nil when the auction has no bids yet.
	HighestBid(ctx context.Context, auctionID string) (*models.Bid, error)
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
}

// AuctionReader reads auction snapshots. Snapshots are never cached by
// callers since the auction service may change them at any time.
type AuctionReader interface {
	Auction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error)
	ActiveAuctions(ctx context.Context) ([]models.AuctionSnapshot, error)
}

// Store is the combination every backend implements.
type Store interface {
	Ledger
	AuctionReader
}
