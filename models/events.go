package models

import "time"

// LifecycleEventType identifies an auction lifecycle notification.
type LifecycleEventType string

const (
	EventAuctionOpened        LifecycleEventType = "auction_opened"
	EventAuctionStatusChanged LifecycleEventType = "auction_status_changed"
	EventAuctionClosed        LifecycleEventType = "auction_closed"
)

// LifecycleEvent is published by the auction service whenever an auction
// changes state.
type LifecycleEvent struct {
	Type       LifecycleEventType `json:"type"`
	AuctionID  string             `json:"auctionId"`
	Status     AuctionStatus      `json:"status,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}
