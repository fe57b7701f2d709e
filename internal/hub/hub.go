// Package hub runs the bidding rooms: one room per open auction holding the
// live websocket connections of its participants.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bidflow/config"
	"bidflow/internal/metrics"
	"bidflow/logger"
	"bidflow/models"
)

// Validator is the bid acceptance entry point.
type Validator interface {
	Submit(ctx context.Context, auctionID, bidderID, bidderName string, amount decimal.Decimal) (models.Bid, error)
	History(ctx context.Context, auctionID string) ([]models.Bid, error)
}

// AutoBidder stores proxy configs and runs cycles after accepted bids.
type AutoBidder interface {
	RegisterConfig(ctx context.Context, auctionID, bidderID, bidderName string, maxAmount, minIncrease decimal.Decimal) (models.ProxyBidConfig, error)
	Trigger(auctionID string)
}

// ActivityCache gates admission and is cleared on teardown.
type ActivityCache interface {
	IsActive(auctionID string) bool
	Remove(auctionID string)
}

const requestTimeout = 10 * time.Second

type Stats struct {
	Rooms       int
	Connections int
}

type Hub struct {
	cfg      config.HubConfig
	bids     Validator
	autobid  AutoBidder
	activity ActivityCache
	upgrader websocket.Upgrader
	log      *logger.Log

	// mu guards rooms and serialises admission against teardown.
	mu    sync.Mutex
	rooms map[string]*room
}

func New(cfg config.HubConfig, allowedOrigins []string, bids Validator, autobid AutoBidder, activity ActivityCache) *Hub {
	h := &Hub{
		cfg:      cfg,
		bids:     bids,
		autobid:  autobid,
		activity: activity,
		log:      logger.GetLogger(),
		rooms:    make(map[string]*room),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Register mounts the websocket route on router.
func (h *Hub) Register(router gin.IRoutes) {
	router.GET("/ws/auctions/:auctionId", h.ServeWS)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(c *gin.Context) {
	auctionID := c.Param("auctionId")
	bidderID := c.Query("bidderId")
	bidderName := c.Query("bidderName")
	if auctionID == "" || bidderID == "" || bidderName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "auctionId, bidderId and bidderName are required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Warn("websocket upgrade failed")
		return
	}

	cn := newConn(ws, h.cfg, auctionID, bidderID, bidderName)
	log := h.log.WithComponent("hub").WithFields(logger.Fields{
		"auction_id": auctionID,
		"bidder_id":  bidderID,
		"conn_id":    cn.id,
	})

	if !h.admit(cn) {
		log.Debug("connection rejected, auction is not active")
		cn.reject(websocket.ClosePolicyViolation, "auction is not active")
		return
	}
	log.Debug("connection admitted")

	go cn.writePump()
	defer h.leave(cn)

	ctx := c.Request.Context()
	if !h.sendHistory(ctx, cn) {
		return
	}
	h.readLoop(ctx, cn)
}

// admit registers cn in its room if the auction is active. The check and the
// registration share the lock taken by CloseRoom.
func (h *Hub) admit(cn *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.activity.IsActive(cn.auctionID) {
		return false
	}
	r, ok := h.rooms[cn.auctionID]
	if !ok {
		r = newRoom(cn.auctionID)
		h.rooms[cn.auctionID] = r
	}
	r.add(cn)
	h.updateGaugesLocked()
	return true
}

// leave removes cn from its room and discards the room once empty.
func (h *Hub) leave(cn *conn) {
	h.mu.Lock()
	if r, ok := h.rooms[cn.auctionID]; ok && r.remove(cn) && r.empty() {
		delete(h.rooms, cn.auctionID)
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	cn.shutdown()
}

func (h *Hub) sendHistory(ctx context.Context, cn *conn) bool {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	bids, err := h.bids.History(ctx, cn.auctionID)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).WithField("auction_id", cn.auctionID).Error("failed to load bid history")
		cn.closeWith(websocket.CloseInternalServerErr, "bid history unavailable")
		return false
	}
	if bids == nil {
		bids = []models.Bid{}
	}
	frame, err := json.Marshal(bids)
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to encode bid history")
		cn.closeWith(websocket.CloseInternalServerErr, "bid history unavailable")
		return false
	}
	if !cn.startWith(frame, bids) {
		h.dropSlow(cn)
		return false
	}
	return true
}

// Broadcast delivers an accepted bid to every connection in the auction's
// room. A connection that cannot keep up is dropped without affecting the
// others.
func (h *Hub) Broadcast(auctionID string, bid models.Bid) {
	frame, err := json.Marshal(models.OutboundEnvelope{
		Type: models.MessageNewBid,
		Payload: models.BidBroadcast{
			BidderName: bid.BidderName,
			Amount:     bid.Amount,
		},
	})
	if err != nil {
		h.log.WithComponent("hub").WithError(err).Error("failed to encode bid broadcast")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[auctionID]
	var members []*conn
	if ok {
		members = r.members()
	}
	h.mu.Unlock()

	for _, cn := range members {
		if !cn.deliverBid(bid, frame) {
			h.dropSlow(cn)
		}
	}
}

func (h *Hub) dropSlow(cn *conn) {
	h.log.WithComponent("hub").WithFields(logger.Fields{
		"auction_id": cn.auctionID,
		"conn_id":    cn.id,
	}).Warn("send buffer full, dropping connection")
	cn.closeWith(websocket.CloseTryAgainLater, "connection too slow")
}

// CloseRoom tears down the auction's room: the cache entry is removed, every
// connection receives a normal closure with reason and the room is discarded.
// It returns the number of connections closed.
func (h *Hub) CloseRoom(auctionID, reason string) int {
	h.mu.Lock()
	h.activity.Remove(auctionID)
	r, ok := h.rooms[auctionID]
	delete(h.rooms, auctionID)
	var members []*conn
	if ok {
		members = r.members()
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	if !ok {
		return 0
	}
	for _, cn := range members {
		cn.closeWith(websocket.CloseNormalClosure, reason)
	}

	h.log.WithComponent("hub").WithFields(logger.Fields{
		"auction_id":  auctionID,
		"connections": len(members),
		"reason":      reason,
	}).Info("room closed")
	return len(members)
}

// Shutdown closes every connection with going-away. Cache entries are kept.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var members []*conn
	for _, r := range h.rooms {
		members = append(members, r.members()...)
	}
	h.rooms = make(map[string]*room)
	h.updateGaugesLocked()
	h.mu.Unlock()

	for _, cn := range members {
		cn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Hub) statsLocked() Stats {
	s := Stats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		s.Connections += r.size()
	}
	return s
}

func (h *Hub) updateGaugesLocked() {
	s := h.statsLocked()
	metrics.SetRooms(s.Rooms, s.Connections)
}
