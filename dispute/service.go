package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/platform"
	"escrowflow/profile"
)

const disputeColumns = `id, order_id, plaintiff, defendant, arbitrator, reason,
evidence_hashes, status, ruling, created_at, resolved_at`

// Service arbitrates contested orders. Opening a dispute suspends normal
// order progress; resolving one performs the final custody transfer and
// settles both parties reputation-neutrally.
type Service struct {
	pool  *pgxpool.Pool
	vault *ledger.Vault
	newID func() string
	now   func() time.Time
}

func NewService(pool *pgxpool.Pool, vault *ledger.Vault) *Service {
	return &Service{
		pool:  pool,
		vault: vault,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Open raises a dispute against a matched or paid order. The plaintiff must
// be a participant; the defendant is the other party and the arbitrator
// defaults to the platform authority.
func (s *Service) Open(ctx context.Context, orderID int64, plaintiff, reason string, evidence [][]byte) (Record, error) {
	if err := validateInput(reason, evidence); err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := platform.Load(ctx, tx)
	if err != nil {
		return Record{}, err
	}
	if cfg.Paused {
		return Record{}, platform.ErrPlatformPaused
	}

	o, err := order.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if err := o.Dispute(plaintiff); err != nil {
		return Record{}, err
	}
	defendant := o.Counterparty(plaintiff)

	const q = `
INSERT INTO disputes (id, order_id, plaintiff, defendant, arbitrator, reason, evidence_hashes, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'opened')
RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, q,
		s.newID(), orderID, plaintiff, defendant, cfg.Authority, reason, evidence))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDisputeExists
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if err := escrow.MarkDisputed(ctx, tx, orderID); err != nil {
		return Record{}, err
	}
	if err := order.Save(ctx, tx, o); err != nil {
		return Record{}, err
	}

	if err := profile.ApplyDispute(ctx, tx, plaintiff); err != nil {
		return Record{}, err
	}
	if err := profile.ApplyDispute(ctx, tx, defendant); err != nil {
		return Record{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicDisputeOpened, map[string]any{
		"order_id":  orderID,
		"plaintiff": plaintiff,
		"defendant": defendant,
		"reason":    reason,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// Resolve records the arbitrator's ruling, performs the final custody
// transfer, and moves the order to its terminal arbitrated state. There is
// no appeal path; re-resolving fails ErrDisputeNotOpen.
func (s *Service) Resolve(ctx context.Context, orderID int64, caller string, ruling Ruling) (Record, error) {
	if !validRuling(ruling) {
		return Record{}, ErrInvalidRuling
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := getForUpdate(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if caller != rec.Arbitrator {
		return Record{}, ErrNotArbitrator
	}
	if rec.Status != StatusOpened {
		return Record{}, ErrDisputeNotOpen
	}

	o, err := order.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}
	if err := o.Arbitrate(); err != nil {
		return Record{}, err
	}

	c, err := escrow.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Record{}, err
	}

	payouts, err := SettlementPayouts(ruling, c.Amount, o.BuyerID(), o.SellerID())
	if err != nil {
		return Record{}, err
	}
	if ruling == RulingFavorSeller {
		if err := escrow.Refund(ctx, tx, s.vault, c); err != nil {
			return Record{}, err
		}
	} else {
		if err := escrow.Release(ctx, tx, s.vault, c, payouts); err != nil {
			return Record{}, err
		}
	}

	resolvedAt := s.now()
	const q = `
UPDATE disputes
SET status = 'resolved', ruling = $1, resolved_at = $2
WHERE order_id = $3 AND status = 'opened'
RETURNING ` + disputeColumns
	rec, err = scanRecord(tx.QueryRow(ctx, q, ruling, resolvedAt, orderID))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}

	if err := order.Save(ctx, tx, o); err != nil {
		return Record{}, err
	}
	if err := profile.ApplyArbitration(ctx, tx, o.Maker); err != nil {
		return Record{}, err
	}
	if err := profile.ApplyArbitration(ctx, tx, *o.Taker); err != nil {
		return Record{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicDisputeResolved, map[string]any{
		"order_id": orderID,
		"ruling":   ruling,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return rec, nil
}

// Get fetches the dispute for an order.
func (s *Service) Get(ctx context.Context, orderID int64) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func getForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.Plaintiff,
		&rec.Defendant,
		&rec.Arbitrator,
		&rec.Reason,
		&rec.EvidenceHashes,
		&rec.Status,
		&rec.Ruling,
		&rec.CreatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
