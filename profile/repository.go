package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProfileNotFound signals the requested profile does not exist.
var ErrProfileNotFound = errors.New("profile: not found")

const profileColumns = `user_id, username, kyc_level, reputation, total_orders, total_trades,
completed_trades, cancelled_trades, disputed_trades, completion_rate,
is_verified, is_banned, created_at, updated_at`

// Repository provides pool-level read access to profiles. Transition-side
// mutations go through the tx-scoped package functions below so they commit
// or roll back with the order transition that caused them.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get fetches a profile by participant id.
func (r *Repository) Get(ctx context.Context, userID string) (Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`, userID)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("profile: get: %w", err)
	}
	return p, nil
}

// SetKYCLevel records the externally verified KYC level for a participant.
func (r *Repository) SetKYCLevel(ctx context.Context, userID string, level int16) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE user_profiles
SET kyc_level = $1, is_verified = $1 > 0, updated_at = now()
WHERE user_id = $2
`, level, userID)
	if err != nil {
		return fmt.Errorf("profile: set kyc level: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// SetBanned flips the ban flag for a participant.
func (r *Repository) SetBanned(ctx context.Context, userID string, banned bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_profiles SET is_banned = $1, updated_at = now() WHERE user_id = $2`,
		banned, userID)
	if err != nil {
		return fmt.Errorf("profile: set banned: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// Ensure returns the row-locked profile for userID, creating it first if the
// participant has never traded. Callers hold the lock until their
// transaction finishes, so counter updates within the same operation cannot
// interleave with a concurrent transition.
func Ensure(ctx context.Context, tx pgx.Tx, userID string) (Profile, error) {
	const q = `
INSERT INTO user_profiles (user_id)
VALUES ($1)
ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
RETURNING ` + profileColumns
	p, err := scanProfile(tx.QueryRow(ctx, q, userID))
	if err != nil {
		return Profile{}, fmt.Errorf("profile: ensure: %w", err)
	}
	return p, nil
}

// RecordOrderCreated bumps the maker's posted-order counter.
func RecordOrderCreated(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE user_profiles
SET total_orders = total_orders + 1, updated_at = now()
WHERE user_id = $1
`, userID); err != nil {
		return fmt.Errorf("profile: record order created: %w", err)
	}
	return nil
}

// ApplyCompletion settles a finished trade on the participant: one more
// completed trade, the completion reward, and a recomputed completion rate.
func ApplyCompletion(ctx context.Context, tx pgx.Tx, userID string) error {
	p, err := Ensure(ctx, tx, userID)
	if err != nil {
		return err
	}
	completed := p.CompletedTrades + 1
	total := p.TotalTrades + 1
	return writeCounters(ctx, tx, userID, counters{
		completed:  completed,
		cancelled:  p.CancelledTrades,
		disputed:   p.DisputedTrades,
		total:      total,
		reputation: AddReputation(p.Reputation, CompletionReward),
		rate:       CompletionRate(completed, total),
	})
}

// ApplyCancellation penalizes the canceling participant.
func ApplyCancellation(ctx context.Context, tx pgx.Tx, userID string) error {
	p, err := Ensure(ctx, tx, userID)
	if err != nil {
		return err
	}
	total := p.TotalTrades + 1
	return writeCounters(ctx, tx, userID, counters{
		completed:  p.CompletedTrades,
		cancelled:  p.CancelledTrades + 1,
		disputed:   p.DisputedTrades,
		total:      total,
		reputation: SubtractReputation(p.Reputation, CancellationPenalty),
		rate:       CompletionRate(p.CompletedTrades, total),
	})
}

// ApplyDispute marks the participant as party to an open dispute.
func ApplyDispute(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `
UPDATE user_profiles
SET disputed_trades = disputed_trades + 1, updated_at = now()
WHERE user_id = $1
`, userID); err != nil {
		return fmt.Errorf("profile: apply dispute: %w", err)
	}
	return nil
}

// ApplyArbitration closes out an arbitrated trade reputation-neutrally: the
// trade counts, but the score does not move either way.
func ApplyArbitration(ctx context.Context, tx pgx.Tx, userID string) error {
	p, err := Ensure(ctx, tx, userID)
	if err != nil {
		return err
	}
	total := p.TotalTrades + 1
	return writeCounters(ctx, tx, userID, counters{
		completed:  p.CompletedTrades,
		cancelled:  p.CancelledTrades,
		disputed:   p.DisputedTrades,
		total:      total,
		reputation: p.Reputation,
		rate:       CompletionRate(p.CompletedTrades, total),
	})
}

type counters struct {
	completed  int64
	cancelled  int64
	disputed   int64
	total      int64
	reputation uint32
	rate       int64
}

func writeCounters(ctx context.Context, tx pgx.Tx, userID string, c counters) error {
	if _, err := tx.Exec(ctx, `
UPDATE user_profiles
SET completed_trades = $1,
    cancelled_trades = $2,
    disputed_trades = $3,
    total_trades = $4,
    reputation = $5,
    completion_rate = $6,
    updated_at = now()
WHERE user_id = $7
`, c.completed, c.cancelled, c.disputed, c.total, int64(c.reputation), c.rate, userID); err != nil {
		return fmt.Errorf("profile: write counters: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p          Profile
		reputation int64
	)
	err := row.Scan(
		&p.UserID,
		&p.Username,
		&p.KYCLevel,
		&reputation,
		&p.TotalOrders,
		&p.TotalTrades,
		&p.CompletedTrades,
		&p.CancelledTrades,
		&p.DisputedTrades,
		&p.CompletionRate,
		&p.IsVerified,
		&p.IsBanned,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Profile{}, err
	}
	p.Reputation = uint32(reputation)
	return p, nil
}
