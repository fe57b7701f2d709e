package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"bidflow/config"
	"bidflow/internal/activity"
	"bidflow/internal/autobid"
	"bidflow/internal/bidding"
	"bidflow/internal/ledger"
	"bidflow/models"
)

type recordingAutoBidder struct {
	engine *autobid.Engine

	mu       sync.Mutex
	triggers []string
}

func (r *recordingAutoBidder) RegisterConfig(ctx context.Context, auctionID, bidderID, bidderName string, maxAmount, minIncrease decimal.Decimal) (models.ProxyBidConfig, error) {
	return r.engine.RegisterConfig(ctx, auctionID, bidderID, bidderName, maxAmount, minIncrease)
}

func (r *recordingAutoBidder) Trigger(auctionID string) {
	r.mu.Lock()
	r.triggers = append(r.triggers, auctionID)
	r.mu.Unlock()
}

func (r *recordingAutoBidder) triggered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

type testEnv struct {
	hub    *Hub
	store  *ledger.Memory
	cache  *activity.Cache
	auto   *recordingAutoBidder
	server *httptest.Server
}

func testHubConfig() config.HubConfig {
	return config.HubConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      16,
		MaxMessageBytes: 4096,
		WriteWait:       time.Second,
		PongWait:        time.Minute,
		PingInterval:    30 * time.Second,
	}
}

func newTestEnv(t *testing.T, cfg config.HubConfig) *testEnv {
	t.Helper()
	store := ledger.NewMemory()
	store.SeedAuction(models.AuctionSnapshot{
		AuctionID:  "a1",
		BasePrice:  decimal.NewFromInt(100),
		MinBidStep: decimal.NewFromInt(10),
		Status:     models.AuctionStatusActive,
	})
	cache := activity.NewCache()
	cache.Update("a1", models.AuctionStatusActive)

	svc := bidding.NewService(store, store, nil)
	auto := &recordingAutoBidder{engine: autobid.NewEngine(svc, cache, 0)}
	h := New(cfg, nil, svc, auto, cache)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{hub: h, store: store, cache: cache, auto: auto, server: server}
}

func (e *testEnv) url(auctionID, bidderID, bidderName string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/ws/auctions/" + auctionID + "?bidderId=" + bidderID + "&bidderName=" + bidderName
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// join dials and consumes the history snapshot.
func join(t *testing.T, e *testEnv, bidderID, bidderName string) (*websocket.Conn, []models.Bid) {
	t.Helper()
	ws := dial(t, e.url("a1", bidderID, bidderName))
	var history []models.Bid
	readJSON(t, ws, &history)
	return ws, history
}

func readJSON(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, ws *websocket.Conn) (string, map[string]interface{}) {
	t.Helper()
	var f frame
	readJSON(t, ws, &f)
	payload := map[string]interface{}{}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("decode payload %s: %v", f.Payload, err)
	}
	return f.Type, payload
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload string) {
	t.Helper()
	msg := `{"type":"` + msgType + `","payload":` + payload + `}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close error, got %v", err)
		}
		if ce.Code != code || ce.Text != reason {
			t.Fatalf("close = %d %q, want %d %q", ce.Code, ce.Text, code, reason)
		}
		return
	}
}

func TestMissingIdentityIsBadRequest(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/auctions/a1?bidderId=u1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func TestInactiveAuctionIsRejected(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	ws := dial(t, e.url("a2", "u1", "alice"))
	expectClose(t, ws, websocket.ClosePolicyViolation, "auction is not active")

	if s := e.hub.Stats(); s.Rooms != 0 || s.Connections != 0 {
		t.Fatalf("rejected connection must not create a room: %+v", s)
	}
}

func TestAdmissionSendsHistory(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	ctx := context.Background()
	for i, amount := range []int64{110, 130} {
		err := e.store.AppendBid(ctx, models.Bid{
			ID:         []string{"b1", "b2"}[i],
			AuctionID:  "a1",
			BidderID:   "u9",
			BidderName: "zed",
			Amount:     decimal.NewFromInt(amount),
			CreatedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("AppendBid failed: %v", err)
		}
	}

	_, history := join(t, e, "u1", "alice")
	if len(history) != 2 || history[1].ID != "b2" || !history[1].Amount.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("unexpected history: %+v", history)
	}

	if s := e.hub.Stats(); s.Rooms != 1 || s.Connections != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestNewBidIsBroadcastToRoom(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, history := join(t, e, "u1", "alice")
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
	bob, _ := join(t, e, "u2", "bob")

	send(t, alice, models.MessageNewBid, `{"amount":120,"bidderId":"u2","bidderName":"bob"}`)

	for _, ws := range []*websocket.Conn{alice, bob} {
		msgType, payload := readFrame(t, ws)
		if msgType != models.MessageNewBid {
			t.Fatalf("type = %q", msgType)
		}
		if payload["bidderName"] != "alice" || payload["amount"] != float64(120) {
			t.Fatalf("unexpected broadcast: %+v", payload)
		}
	}

	bids, _ := e.store.ListBids(context.Background(), "a1")
	if len(bids) != 1 || bids[0].BidderID != "u1" {
		t.Fatalf("identity must come from the connection: %+v", bids)
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.auto.triggered() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one engine trigger, got %d", e.auto.triggered())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLowBidErrorIsPrivate(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")
	bob, _ := join(t, e, "u2", "bob")

	send(t, alice, models.MessageNewBid, `{"amount":105}`)

	msgType, payload := readFrame(t, alice)
	if msgType != models.MessageBidError {
		t.Fatalf("type = %q", msgType)
	}
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "110") {
		t.Fatalf("error should name the minimum: %+v", payload)
	}
	expectSilence(t, bob)
	if e.auto.triggered() != 0 {
		t.Fatal("rejected bids must not trigger the engine")
	}
}

func TestAutoBidRegistration(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")
	bob, _ := join(t, e, "u2", "bob")

	send(t, alice, models.MessageAutoBids, `{"maxAmount":150,"minIncrease":10}`)
	msgType, payload := readFrame(t, alice)
	if msgType != models.MessageAutoBidRegistered {
		t.Fatalf("type = %q", msgType)
	}
	if payload["maxAmount"] != float64(150) || payload["minIncrease"] != float64(10) {
		t.Fatalf("unexpected confirmation: %+v", payload)
	}

	send(t, alice, models.MessageAutoBids, `{"maxAmount":150,"minIncrease":5}`)
	msgType, _ = readFrame(t, alice)
	if msgType != models.MessageAutoBidError {
		t.Fatalf("type = %q", msgType)
	}

	expectSilence(t, bob)
	configs := e.auto.engine.Configs("a1")
	if len(configs) != 1 || !configs[0].MinIncrease.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected configs: %+v", configs)
	}
	if e.auto.triggered() != 0 {
		t.Fatal("registration must not trigger a cycle")
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")

	for _, raw := range []string{"not json", `{"type":"dance","payload":{}}`, `{"type":"new_bid","payload":{"amount":"lots"}}`} {
		if err := alice.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	send(t, alice, models.MessageNewBid, `{"amount":110}`)

	msgType, payload := readFrame(t, alice)
	if msgType != models.MessageNewBid || payload["amount"] != float64(110) {
		t.Fatalf("connection should still work: %s %+v", msgType, payload)
	}
}

func TestRateLimitedBidGetsPrivateError(t *testing.T) {
	cfg := testHubConfig()
	cfg.RateLimit.MessagesPerSecond = 0.001
	cfg.RateLimit.BurstSize = 1
	e := newTestEnv(t, cfg)
	alice, _ := join(t, e, "u1", "alice")

	send(t, alice, models.MessageNewBid, `{"amount":110}`)
	if msgType, _ := readFrame(t, alice); msgType != models.MessageNewBid {
		t.Fatalf("first bid should pass, got %q", msgType)
	}

	send(t, alice, models.MessageNewBid, `{"amount":120}`)
	msgType, payload := readFrame(t, alice)
	if msgType != models.MessageBidError || payload["message"] != msgRateLimited {
		t.Fatalf("expected rate limit error, got %s %+v", msgType, payload)
	}
}

func TestCloseRoomClosesEveryConnection(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")
	bob, _ := join(t, e, "u2", "bob")

	if n := e.hub.CloseRoom("a1", "auction ended"); n != 2 {
		t.Fatalf("closed %d connections, want 2", n)
	}

	expectClose(t, alice, websocket.CloseNormalClosure, "auction ended")
	expectClose(t, bob, websocket.CloseNormalClosure, "auction ended")

	if e.cache.IsActive("a1") {
		t.Fatal("cache entry must be removed")
	}
	if s := e.hub.Stats(); s.Rooms != 0 || s.Connections != 0 {
		t.Fatalf("stats after close = %+v", s)
	}

	late := dial(t, e.url("a1", "u3", "carol"))
	expectClose(t, late, websocket.ClosePolicyViolation, "auction is not active")

	if n := e.hub.CloseRoom("a1", "again"); n != 0 {
		t.Fatalf("second close affected %d connections", n)
	}
}

func TestShutdownKeepsCacheEntries(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")

	e.hub.Shutdown()

	expectClose(t, alice, websocket.CloseGoingAway, "server shutting down")
	if !e.cache.IsActive("a1") {
		t.Fatal("shutdown must not touch the activity cache")
	}
	if s := e.hub.Stats(); s.Rooms != 0 || s.Connections != 0 {
		t.Fatalf("stats after shutdown = %+v", s)
	}
}

func TestDisconnectLeavesOthersConnected(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	alice, _ := join(t, e, "u1", "alice")
	bob, _ := join(t, e, "u2", "bob")

	_ = alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	alice.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Stats().Connections != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v", e.hub.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	send(t, bob, models.MessageNewBid, `{"amount":110}`)
	if msgType, _ := readFrame(t, bob); msgType != models.MessageNewBid {
		t.Fatalf("type = %q", msgType)
	}
}

func TestBroadcastToUnknownAuctionIsNoop(t *testing.T) {
	e := newTestEnv(t, testHubConfig())
	e.hub.Broadcast("nobody", models.Bid{AuctionID: "nobody", Amount: decimal.NewFromInt(1)})
}

func TestTruncateReasonKeepsRunesWhole(t *testing.T) {
	reason := strings.Repeat("a", maxCloseReason-1) + "é"
	got := truncateReason(reason)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated reason is not valid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", maxCloseReason-1) {
		t.Fatalf("got %d bytes, want %d", len(got), maxCloseReason-1)
	}
	if short := "auction ended"; truncateReason(short) != short {
		t.Fatal("short reasons must be kept")
	}
	if long := strings.Repeat("b", 200); len(truncateReason(long)) != maxCloseReason {
		t.Fatal("ascii reasons must be cut at the limit")
	}
}
