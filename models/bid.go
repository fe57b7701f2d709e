package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places the ledger stores for amounts.
const AmountScale = 4

// WithinScale reports whether amount is representable with AmountScale
// decimal places.
func WithinScale(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(AmountScale))
}

// Bid is an accepted bid. Bids are immutable once the ledger has stored them.
type Bid struct {
	ID         string          `json:"id"`
	AuctionID  string          `json:"auctionId"`
	BidderID   string          `json:"bidderId"`
	BidderName string          `json:"bidderName"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// BidSource tells whether a bid came from a connected bidder or from a proxy
// configuration.
type BidSource string

const (
	BidSourceHuman BidSource = "human"
	BidSourceProxy BidSource = "proxy"
)

// BidAnnouncement is the replication record published for every accepted bid.
type BidAnnouncement struct {
	Bid         Bid       `json:"bid"`
	Source      BidSource `json:"source"`
	AnnouncedAt time.Time `json:"announcedAt"`
}
