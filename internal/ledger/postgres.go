package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bidflow/models"
)

// bidsSchema creates the table this service owns. The auctions table belongs
// to the auction service and is only read. The amount scale is
// models.AmountScale.
const bidsSchema = `
CREATE TABLE IF NOT EXISTS bids (
    seq         BIGSERIAL PRIMARY KEY,
    id          UUID NOT NULL UNIQUE,
    auction_id  TEXT NOT NULL,
    bidder_id   TEXT NOT NULL,
    bidder_name TEXT NOT NULL,
    amount      NUMERIC(20, 4) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS bids_auction_amount_idx ON bids (auction_id, amount DESC);
`

// NewPool opens a pgx pool for dsn and verifies connectivity.
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

var _ Store = (*Postgres)(nil)

// Postgres is the Store backed by PostgreSQL.
type Postgres struct {
	db      *pgxpool.Pool
	timeout time.Duration
}

func NewPostgres(db *pgxpool.Pool, queryTimeout time.Duration) *Postgres {
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &Postgres{db: db, timeout: queryTimeout}
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := p.db.Exec(ctx, bidsSchema); err != nil {
		return fmt.Errorf("create bids schema: %w", err)
	}
	return nil
}

func (p *Postgres) AppendBid(ctx context.Context, bid models.Bid) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	const insertSQL = `
        INSERT INTO bids (id, auction_id, bidder_id, bidder_name, amount, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := p.db.Exec(ctx, insertSQL,
		bid.ID,
		bid.AuctionID,
		bid.BidderID,
		bid.BidderName,
		bid.Amount,
		bid.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bid: %w", err)
	}
	return nil
}

func (p *Postgres) HighestBid(ctx context.Context, auctionID string) (*models.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	row := p.db.QueryRow(ctx, `
        SELECT id::text, auction_id, bidder_id, bidder_name, amount::text, created_at
        FROM bids
        WHERE auction_id = $1
        ORDER BY amount DESC, seq ASC
        LIMIT 1
    `, auctionID)

	bid, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("highest bid for %s: %w", auctionID, err)
	}
	return &bid, nil
}

func (p *Postgres) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.Query(ctx, `
        SELECT id::text, auction_id, bidder_id, bidder_name, amount::text, created_at
        FROM bids
        WHERE auction_id = $1
        ORDER BY seq ASC
    `, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	out := make([]models.Bid, 0)
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		out = append(out, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bids for %s: %w", auctionID, err)
	}
	return out, nil
}

func (p *Postgres) Auction(ctx context.Context, auctionID string) (models.AuctionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	row := p.db.QueryRow(ctx, `
        SELECT id, base_price::text, min_bid_step::text, status
        FROM auctions
        WHERE id = $1
    `, auctionID)

	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AuctionSnapshot{}, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionNotFound)
	}
	if err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("read auction %s: %w", auctionID, err)
	}
	return a, nil
}

func (p *Postgres) ActiveAuctions(ctx context.Context) ([]models.AuctionSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	rows, err := p.db.Query(ctx, `
        SELECT id, base_price::text, min_bid_step::text, status
        FROM auctions
        WHERE status = $1
    `, string(models.AuctionStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active auctions: %w", err)
	}
	defer rows.Close()

	out := make([]models.AuctionSnapshot, 0)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active auctions: %w", err)
	}
	return out, nil
}

func scanBid(row pgx.Row) (models.Bid, error) {
	var (
		bid    models.Bid
		amount string
	)
	if err := row.Scan(&bid.ID, &bid.AuctionID, &bid.BidderID, &bid.BidderName, &amount, &bid.CreatedAt); err != nil {
		return models.Bid{}, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return models.Bid{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	bid.Amount = parsed
	return bid, nil
}

func scanAuction(row pgx.Row) (models.AuctionSnapshot, error) {
	var (
		a               models.AuctionSnapshot
		basePrice, step string
		status          string
	)
	if err := row.Scan(&a.AuctionID, &basePrice, &step, &status); err != nil {
		return models.AuctionSnapshot{}, err
	}
	var err error
	if a.BasePrice, err = decimal.NewFromString(basePrice); err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("parse base price %q: %w", basePrice, err)
	}
	if a.MinBidStep, err = decimal.NewFromString(step); err != nil {
		return models.AuctionSnapshot{}, fmt.Errorf("parse min bid step %q: %w", step, err)
	}
	a.Status = models.ParseAuctionStatus(status)
	return a, nil
}
