package bidding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"bidflow/internal/ledger"
	"bidflow/models"
)

type recordingAnnouncer struct {
	mu      sync.Mutex
	bids    []models.Bid
	sources []models.BidSource
}

func (r *recordingAnnouncer) Announce(bid models.Bid, source models.BidSource) {
	r.mu.Lock()
	r.bids = append(r.bids, bid)
	r.sources = append(r.sources, source)
	r.mu.Unlock()
}

type failingLedger struct {
	*ledger.Memory
}

func (f failingLedger) AppendBid(ctx context.Context, bid models.Bid) error {
	return errors.New("disk full")
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestService(t *testing.T) (*Service, *ledger.Memory, *recordingAnnouncer) {
	t.Helper()
	store := ledger.NewMemory()
	store.SeedAuction(models.AuctionSnapshot{
		AuctionID:  "a1",
		BasePrice:  d(100),
		MinBidStep: d(10),
		Status:     models.AuctionStatusActive,
	})
	announcer := &recordingAnnouncer{}
	return NewService(store, store, announcer), store, announcer
}

func TestSubmitAgainstBasePrice(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "a1", "u1", "alice", d(105))
	var tooLow *BidTooLowError
	if !errors.As(err, &tooLow) {
		t.Fatalf("expected BidTooLowError, got %v", err)
	}
	if !tooLow.Required.Equal(d(110)) {
		t.Fatalf("required = %s, want 110", tooLow.Required)
	}
	if !errors.Is(err, ErrBidTooLow) {
		t.Fatal("expected errors.Is(err, ErrBidTooLow)")
	}

	bid, err := svc.Submit(ctx, "a1", "u1", "alice", d(120))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if bid.ID == "" || bid.BidderName != "alice" || !bid.Amount.Equal(d(120)) {
		t.Fatalf("unexpected bid: %+v", bid)
	}
}

func TestSubmitAgainstHighestBid(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, "a1", "u1", "alice", d(120)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Submit(ctx, "a1", "u2", "bob", d(125)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected too low, got %v", err)
	}
	if _, err := svc.Submit(ctx, "a1", "u2", "bob", d(130)); err != nil {
		t.Fatalf("exact minimum must be accepted: %v", err)
	}
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	store := ledger.NewMemory()
	store.SeedAuction(models.AuctionSnapshot{AuctionID: "free", MinBidStep: decimal.Zero})
	svc := NewService(store, store, nil)

	if _, err := svc.Submit(context.Background(), "free", "u1", "alice", decimal.Zero); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected zero amount to be rejected, got %v", err)
	}
}

func TestSubmitAnnouncesWithSource(t *testing.T) {
	svc, _, announcer := newTestService(t)

	if _, err := svc.Submit(context.Background(), "a1", "u1", "alice", d(110)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	ctx := WithSource(context.Background(), models.BidSourceProxy)
	if _, err := svc.Submit(ctx, "a1", "u2", "bob", d(120)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Submit(ctx, "a1", "u2", "bob", d(120)); err == nil {
		t.Fatal("expected rejection")
	}

	if len(announcer.bids) != 2 {
		t.Fatalf("announced %d bids, want 2", len(announcer.bids))
	}
	if announcer.sources[0] != models.BidSourceHuman || announcer.sources[1] != models.BidSourceProxy {
		t.Fatalf("unexpected sources: %v", announcer.sources)
	}
}

func TestSubmitWrapsLedgerErrors(t *testing.T) {
	store := ledger.NewMemory()
	store.SeedAuction(models.AuctionSnapshot{AuctionID: "a1", BasePrice: d(100), MinBidStep: d(10)})
	announcer := &recordingAnnouncer{}
	svc := NewService(failingLedger{store}, store, announcer)

	_, err := svc.Submit(context.Background(), "a1", "u1", "alice", d(200))
	if err == nil || errors.Is(err, ErrBidTooLow) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if len(announcer.bids) != 0 {
		t.Fatal("failed bids must not be announced")
	}

	if _, err := svc.Submit(context.Background(), "missing", "u1", "alice", d(200)); !errors.Is(err, ledger.ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
}

func TestLeadingAmountAndStep(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	leading, err := svc.LeadingAmount(ctx, "a1")
	if err != nil || !leading.Equal(d(100)) {
		t.Fatalf("leading = %s, %v", leading, err)
	}
	if _, err := svc.Submit(ctx, "a1", "u1", "alice", d(150)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	leading, _ = svc.LeadingAmount(ctx, "a1")
	if !leading.Equal(d(150)) {
		t.Fatalf("leading = %s, want 150", leading)
	}

	step, err := svc.MinBidStep(ctx, "a1")
	if err != nil || !step.Equal(d(10)) {
		t.Fatalf("step = %s, %v", step, err)
	}
}

func TestConcurrentSubmittersKeepStepInvariant(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for amount := int64(110); amount <= 400; amount += 10 {
				_, _ = svc.Submit(ctx, "a1", fmt.Sprintf("u%d", i), "bidder", d(amount))
			}
		}(i)
	}
	wg.Wait()

	bids, err := store.ListBids(ctx, "a1")
	if err != nil {
		t.Fatalf("ListBids failed: %v", err)
	}
	if len(bids) == 0 {
		t.Fatal("expected accepted bids")
	}
	for i := 1; i < len(bids); i++ {
		if bids[i].Amount.LessThan(bids[i-1].Amount.Add(d(10))) {
			t.Fatalf("bid %d (%s) does not clear bid %d (%s) by the step", i, bids[i].Amount, i-1, bids[i-1].Amount)
		}
	}
	if !sort.SliceIsSorted(bids, func(a, b int) bool { return bids[a].Amount.LessThan(bids[b].Amount) }) {
		t.Fatal("accepted amounts must increase")
	}
	if len(svc.locks) != 0 {
		t.Fatalf("auction locks leaked: %d", len(svc.locks))
	}
}

func TestSubmitRejectsAmountsBeyondLedgerScale(t *testing.T) {
	svc, store, announcer := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "a1", "u1", "alice", decimal.RequireFromString("129.99995"))
	var precision *AmountPrecisionError
	if !errors.As(err, &precision) || !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected AmountPrecisionError, got %v", err)
	}
	if precision.Scale != models.AmountScale {
		t.Fatalf("scale = %d", precision.Scale)
	}

	bid, err := svc.Submit(ctx, "a1", "u1", "alice", decimal.RequireFromString("110.0001"))
	if err != nil {
		t.Fatalf("four decimal places must be accepted: %v", err)
	}
	bids, _ := store.ListBids(ctx, "a1")
	if len(bids) != 1 || !bids[0].Amount.Equal(bid.Amount) {
		t.Fatalf("ledger = %+v", bids)
	}
	if len(announcer.bids) != 1 {
		t.Fatalf("announced %d bids, want 1", len(announcer.bids))
	}
}
