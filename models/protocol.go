package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Message types exchanged over a bidding connection.
const (
	MessageNewBid            = "new_bid"
	MessageBidError          = "bid_error"
	MessageAutoBids          = "auto_bids"
	MessageAutoBidRegistered = "auto_bid_registered"
	MessageAutoBidError      = "auto_bid_error"
)

// Envelope is the frame shape for every protocol message. Payload is decoded
// lazily once the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundEnvelope is the frame shape written by the server.
type OutboundEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewBidRequest is the client payload of a new_bid frame. Identity fields are
// deliberately absent: they come from the connection.
type NewBidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidBroadcast is the payload broadcast to a room for every accepted bid.
type BidBroadcast struct {
	BidderName string          `json:"bidderName"`
	Amount     decimal.Decimal `json:"amount"`
}

// AutoBidRequest is the client payload of an auto_bids frame.
type AutoBidRequest struct {
	MaxAmount   decimal.Decimal `json:"maxAmount"`
	MinIncrease decimal.Decimal `json:"minIncrease"`
}

// AutoBidConfirmation is sent privately after a proxy config was stored.
type AutoBidConfirmation struct {
	MaxAmount   decimal.Decimal `json:"maxAmount"`
	MinIncrease decimal.Decimal `json:"minIncrease"`
}

// ErrorPayload carries a human readable reason for a rejected request.
type ErrorPayload struct {
	Message string `json:"message"`
}
