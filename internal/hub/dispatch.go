package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"bidflow/internal/autobid"
	"bidflow/internal/bidding"
	"bidflow/logger"
	"bidflow/models"
)

const (
	msgBidFailed      = "bid could not be placed"
	msgAutoBidFailed  = "auto bid could not be registered"
	msgRateLimited    = "too many messages, slow down"
	msgInvalidPayload = "invalid payload"
)

func (h *Hub) readLoop(ctx context.Context, cn *conn) {
	cn.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = cn.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.WithComponent("hub").WithError(err).WithField("conn_id", cn.id).Debug("connection read failed")
			}
			return
		}
		h.dispatch(ctx, cn, data)
	}
}

func (h *Hub) dispatch(ctx context.Context, cn *conn, data []byte) {
	log := h.log.WithComponent("hub").WithFields(logger.Fields{
		"auction_id": cn.auctionID,
		"bidder_id":  cn.bidderID,
		"conn_id":    cn.id,
	})

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.WithError(err).Warn("malformed frame ignored")
		return
	}

	if !cn.allow() {
		switch env.Type {
		case models.MessageNewBid:
			h.reply(cn, models.MessageBidError, models.ErrorPayload{Message: msgRateLimited})
		case models.MessageAutoBids:
			h.reply(cn, models.MessageAutoBidError, models.ErrorPayload{Message: msgRateLimited})
		}
		log.WithField("type", env.Type).Debug("frame rate limited")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch env.Type {
	case models.MessageNewBid:
		h.handleNewBid(ctx, cn, env.Payload, log)
	case models.MessageAutoBids:
		h.handleAutoBids(ctx, cn, env.Payload, log)
	default:
		log.WithField("type", env.Type).Warn("unknown frame type ignored")
	}
}

func (h *Hub) handleNewBid(ctx context.Context, cn *conn, payload json.RawMessage, log *logger.Entry) {
	var req models.NewBidRequest
	if len(payload) == 0 || json.Unmarshal(payload, &req) != nil {
		log.Warn("new_bid with invalid payload ignored")
		return
	}

	bid, err := h.bids.Submit(ctx, cn.auctionID, cn.bidderID, cn.bidderName, req.Amount)
	if err != nil {
		var tooLow *bidding.BidTooLowError
		if errors.As(err, &tooLow) {
			log.WithField("amount", req.Amount.String()).Debug("bid rejected")
			h.reply(cn, models.MessageBidError, models.ErrorPayload{Message: tooLow.Error()})
			return
		}
		var precision *bidding.AmountPrecisionError
		if errors.As(err, &precision) {
			log.WithField("amount", req.Amount.String()).Debug("bid rejected")
			h.reply(cn, models.MessageBidError, models.ErrorPayload{Message: precision.Error()})
			return
		}
		log.WithError(err).Error("bid submission failed")
		h.reply(cn, models.MessageBidError, models.ErrorPayload{Message: msgBidFailed})
		return
	}

	h.Broadcast(cn.auctionID, bid)
	h.autobid.Trigger(cn.auctionID)
}

func (h *Hub) handleAutoBids(ctx context.Context, cn *conn, payload json.RawMessage, log *logger.Entry) {
	var req models.AutoBidRequest
	if len(payload) == 0 || json.Unmarshal(payload, &req) != nil {
		log.Warn("auto_bids with invalid payload ignored")
		return
	}
	if !req.MaxAmount.IsPositive() {
		h.reply(cn, models.MessageAutoBidError, models.ErrorPayload{Message: msgInvalidPayload})
		return
	}

	cfg, err := h.autobid.RegisterConfig(ctx, cn.auctionID, cn.bidderID, cn.bidderName, req.MaxAmount, req.MinIncrease)
	if err != nil {
		var tooLow *autobid.MinIncrementTooLowError
		if errors.As(err, &tooLow) {
			log.Debug("auto bid rejected")
			h.reply(cn, models.MessageAutoBidError, models.ErrorPayload{Message: tooLow.Error()})
			return
		}
		var precision *bidding.AmountPrecisionError
		if errors.As(err, &precision) {
			log.Debug("auto bid rejected")
			h.reply(cn, models.MessageAutoBidError, models.ErrorPayload{Message: precision.Error()})
			return
		}
		log.WithError(err).Error("auto bid registration failed")
		h.reply(cn, models.MessageAutoBidError, models.ErrorPayload{Message: msgAutoBidFailed})
		return
	}

	h.reply(cn, models.MessageAutoBidRegistered, models.AutoBidConfirmation{
		MaxAmount:   cfg.MaxAmount,
		MinIncrease: cfg.MinIncrease,
	})
}

// reply sends a frame to cn only.
func (h *Hub) reply(cn *conn, msgType string, payload interface{}) {
	frame, err := json.Marshal(models.OutboundEnvelope{Type: msgType, Payload: payload})
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to encode reply")
		return
	}
	if !cn.enqueue(frame) {
		h.dropSlow(cn)
	}
}
