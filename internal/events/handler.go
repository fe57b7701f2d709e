// Package events consumes auction lifecycle notifications and applies them to
// the activity cache, the bidding rooms and the auto-bid engine.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bidflow/logger"
	"bidflow/models"
)

const (
	defaultCloseReason = "auction closed"
	archiveTimeout     = 2 * time.Minute
)

type ActivityUpdater interface {
	Update(auctionID string, status models.AuctionStatus)
}

// RoomCloser tears down a room and drops its cache entry.
type RoomCloser interface {
	CloseRoom(auctionID, reason string) int
}

type ConfigClearer interface {
	Clear(auctionID string)
}

// Archiver exports a closed auction's bids.
type Archiver interface {
	Archive(ctx context.Context, auctionID string) error
}

type Handler struct {
	activity ActivityUpdater
	rooms    RoomCloser
	autobid  ConfigClearer
	archive  Archiver
	log      *logger.Log

	archives sync.WaitGroup
}

// NewHandler builds a Handler. archive may be nil.
func NewHandler(activity ActivityUpdater, rooms RoomCloser, autobid ConfigClearer, archive Archiver) *Handler {
	return &Handler{
		activity: activity,
		rooms:    rooms,
		autobid:  autobid,
		archive:  archive,
		log:      logger.GetLogger(),
	}
}

// HandleMessage decodes and applies one event. Undecodable payloads are
// logged and skipped so that a bad message cannot block the stream.
func (h *Handler) HandleMessage(ctx context.Context, data []byte) {
	var ev models.LifecycleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		h.log.WithComponent("events").WithError(err).Warn("malformed lifecycle event skipped")
		return
	}
	h.Apply(ctx, ev)
}

// Apply is idempotent: replaying an event leaves the same state.
func (h *Handler) Apply(ctx context.Context, ev models.LifecycleEvent) {
	log := h.log.WithComponent("events").WithFields(logger.Fields{
		"type":       ev.Type,
		"auction_id": ev.AuctionID,
		"status":     ev.Status,
	})
	if ev.AuctionID == "" {
		log.Warn("lifecycle event without auction id skipped")
		return
	}

	switch ev.Type {
	case models.EventAuctionOpened:
		status := models.ParseAuctionStatus(string(ev.Status))
		if status == "" {
			status = models.AuctionStatusActive
		}
		if status == models.AuctionStatusClosed {
			h.close(ctx, ev, log)
			return
		}
		h.activity.Update(ev.AuctionID, status)
		log.Info("auction opened")

	case models.EventAuctionStatusChanged:
		status := models.ParseAuctionStatus(string(ev.Status))
		if status == "" {
			log.Warn("status change without status skipped")
			return
		}
		if status == models.AuctionStatusClosed {
			h.close(ctx, ev, log)
			return
		}
		h.activity.Update(ev.AuctionID, status)
		log.Debug("auction status updated")

	case models.EventAuctionClosed:
		h.close(ctx, ev, log)

	default:
		log.Warn("unknown lifecycle event skipped")
	}
}

func (h *Handler) close(ctx context.Context, ev models.LifecycleEvent, log *logger.Entry) {
	reason := ev.Reason
	if reason == "" {
		reason = defaultCloseReason
	}

	closed := h.rooms.CloseRoom(ev.AuctionID, reason)
	h.autobid.Clear(ev.AuctionID)
	log.WithField("connections", closed).Info("auction closed")

	if h.archive == nil {
		return
	}
	// Uploads outlive the consumer context so a shutdown does not cut them off.
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	h.archives.Add(1)
	go func() {
		defer h.archives.Done()
		defer cancel()
		if err := h.archive.Archive(archiveCtx, ev.AuctionID); err != nil {
			log.WithError(err).Error("failed to archive auction bids")
		}
	}()
}

// Wait blocks until every archive started by a close event has finished.
func (h *Handler) Wait() {
	h.archives.Wait()
}
