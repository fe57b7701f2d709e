package hub

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bidflow/config"
	"bidflow/models"
)

// maxCloseReason keeps close frames within the 125 byte control frame limit.
const maxCloseReason = 123

type pendingBid struct {
	amount decimal.Decimal
	frame  []byte
}

// conn is one participant's websocket. Only writePump writes data frames;
// close frames go through WriteControl, which may run concurrently.
type conn struct {
	id         string
	auctionID  string
	bidderID   string
	bidderName string

	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	limiter      *rate.Limiter
	writeWait    time.Duration
	pingInterval time.Duration

	// Broadcasts are held back until the history snapshot is queued.
	mu      sync.Mutex
	ready   bool
	backlog []pendingBid
}

func newConn(ws *websocket.Conn, cfg config.HubConfig, auctionID, bidderID, bidderName string) *conn {
	cn := &conn{
		id:           uuid.NewString(),
		auctionID:    auctionID,
		bidderID:     bidderID,
		bidderName:   bidderName,
		ws:           ws,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
		writeWait:    cfg.WriteWait,
		pingInterval: cfg.PingInterval,
	}
	if cfg.RateLimit.MessagesPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst <= 0 {
			burst = 1
		}
		cn.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.MessagesPerSecond), burst)
	}
	return cn
}

func (c *conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue reports false only when the send buffer is full.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// startWith queues the history snapshot followed by any bid broadcast while
// the history was being read. Amounts strictly increase within an auction, so
// backlog entries not above the last historical amount are duplicates.
func (c *conn) startWith(history []byte, bids []models.Bid) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enqueue(history) {
		return false
	}
	last := decimal.Zero
	if n := len(bids); n > 0 {
		last = bids[n-1].Amount
	}
	for _, p := range c.backlog {
		if p.amount.GreaterThan(last) && !c.enqueue(p.frame) {
			return false
		}
	}
	c.backlog = nil
	c.ready = true
	return true
}

func (c *conn) deliverBid(bid models.Bid, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.backlog = append(c.backlog, pendingBid{amount: bid.Amount, frame: frame})
		return true
	}
	return c.enqueue(frame)
}

// closeWith sends a close frame with code and reason, then tears the
// connection down. Only the first call has any effect.
func (c *conn) closeWith(code int, reason string) {
	reason = truncateReason(reason)
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		close(c.done)
		_ = c.ws.Close()
	})
}

// reject closes a connection that was never admitted.
func (c *conn) reject(code int, reason string) {
	c.closeWith(code, reason)
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// truncateReason cuts reason to fit a close frame without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
