package models

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Amounts travel as JSON numbers on the wire, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// AuctionStatus is the lifecycle status of an auction as announced by the
// auction service.
type AuctionStatus string

const (
	AuctionStatusPending AuctionStatus = "pending"
	AuctionStatusActive  AuctionStatus = "active"
	AuctionStatusClosed  AuctionStatus = "closed"
)

// ParseAuctionStatus normalises a status string. Unknown values are returned
// unchanged so that new upstream statuses still reach the cache.
func ParseAuctionStatus(s string) AuctionStatus {
	switch AuctionStatus(s) {
	case AuctionStatusPending, AuctionStatusActive, AuctionStatusClosed:
		return AuctionStatus(s)
	case "open", "opened":
		return AuctionStatusActive
	case "ended", "finished":
		return AuctionStatusClosed
	default:
		return AuctionStatus(s)
	}
}

// AuctionSnapshot is the read-only view of an auction this service bids
// against. It is owned by the auction service.
type AuctionSnapshot struct {
	AuctionID  string          `json:"auctionId"`
	BasePrice  decimal.Decimal `json:"basePrice"`
	MinBidStep decimal.Decimal `json:"minBidStep"`
	Status     AuctionStatus   `json:"status"`
}

// ProxyBidConfig is a standing instruction to raise on a bidder's behalf up to
// MaxAmount, MinIncrease at a time.
type ProxyBidConfig struct {
	BidderID     string          `json:"bidderId"`
	BidderName   string          `json:"bidderName"`
	MaxAmount    decimal.Decimal `json:"maxAmount"`
	MinIncrease  decimal.Decimal `json:"minIncrease"`
	RegisteredAt time.Time       `json:"registeredAt"`
}
