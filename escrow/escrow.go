// Package escrow manages the per-order custody record and its ledger holding
// account. The holding account is controlled only by the authority derived
// from the order id, so neither trading party can move locked funds
// unilaterally; every disposition drains the account to zero exactly once.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/event"
	"escrowflow/ledger"
)

// Status is the custody lifecycle state.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

var (
	ErrNotFound       = errors.New("escrow: not found")
	ErrNotLocked      = errors.New("escrow: custody is not locked")
	ErrAlreadySettled = errors.New("escrow: custody already settled")
	ErrPayoutMismatch = errors.New("escrow: payouts do not drain custody")
)

// Custody mirrors the escrows table, 1:1 with the order it backs.
type Custody struct {
	OrderID   int64
	Seller    string
	Buyer     *string
	AssetID   string
	Amount    int64
	AccountID string
	Status    Status
	CreatedAt time.Time
}

// Payout directs part of the custody balance to a participant's funding
// account (or the platform fee account) on settlement.
type Payout struct {
	Owner  string
	Amount int64
}

const custodyColumns = `order_id, seller, buyer, asset_id, amount, account_id, status, created_at`

// Lock creates the custody record for an order and moves amount from the
// seller-role depositor's funding account into the order's holding account.
// The depositor authorizes the debit; from then on only the order authority
// can move the funds.
func Lock(ctx context.Context, tx pgx.Tx, vault *ledger.Vault, orderID int64, seller, assetID string, amount int64) (Custody, error) {
	funding, err := ledger.EnsureAccount(ctx, tx, seller, assetID, vault.OwnerAuthority(seller))
	if err != nil {
		return Custody{}, err
	}
	holding, err := ledger.EnsureAccount(ctx, tx, ledger.CustodyOwner(orderID), assetID, vault.OrderAuthority(orderID))
	if err != nil {
		return Custody{}, err
	}

	if err := ledger.Transfer(ctx, tx, funding.ID, holding.ID, vault.OwnerAuthority(seller), amount); err != nil {
		return Custody{}, err
	}

	const q = `
INSERT INTO escrows (order_id, seller, asset_id, amount, account_id, status)
VALUES ($1, $2, $3, $4, $5, 'locked')
RETURNING ` + custodyColumns
	c, err := scanCustody(tx.QueryRow(ctx, q, orderID, seller, assetID, amount, holding.ID))
	if err != nil {
		return Custody{}, fmt.Errorf("escrow: insert custody: %w", err)
	}

	if err := event.Enqueue(ctx, tx, event.TopicEscrowLocked, map[string]any{
		"order_id": orderID,
		"seller":   seller,
		"amount":   amount,
	}); err != nil {
		return Custody{}, err
	}
	return c, nil
}

// SetBuyer pins the buyer-role party once the order is matched.
func SetBuyer(ctx context.Context, tx pgx.Tx, orderID int64, buyer string) error {
	tag, err := tx.Exec(ctx, `UPDATE escrows SET buyer = $1 WHERE order_id = $2`, buyer, orderID)
	if err != nil {
		return fmt.Errorf("escrow: set buyer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetForUpdate row-locks the custody record for the duration of a transition.
func GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (Custody, error) {
	c, err := scanCustody(tx.QueryRow(ctx,
		`SELECT `+custodyColumns+` FROM escrows WHERE order_id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Custody{}, ErrNotFound
		}
		return Custody{}, fmt.Errorf("escrow: lock custody: %w", err)
	}
	return c, nil
}

// Release disburses the full custody balance across the given payouts and
// marks the custody released. The payouts must sum to the locked amount so a
// released custody can never strand funds.
func Release(ctx context.Context, tx pgx.Tx, vault *ledger.Vault, c Custody, payouts []Payout) error {
	if err := disburse(ctx, tx, vault, c, payouts); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, c.OrderID, StatusReleased); err != nil {
		return err
	}
	return event.Enqueue(ctx, tx, event.TopicEscrowReleased, map[string]any{
		"order_id": c.OrderID,
		"amount":   c.Amount,
	})
}

// Refund returns the full custody balance to the depositing seller and marks
// the custody refunded. No fee is charged on a refund.
func Refund(ctx context.Context, tx pgx.Tx, vault *ledger.Vault, c Custody) error {
	if err := disburse(ctx, tx, vault, c, []Payout{{Owner: c.Seller, Amount: c.Amount}}); err != nil {
		return err
	}
	if err := setStatus(ctx, tx, c.OrderID, StatusRefunded); err != nil {
		return err
	}
	return event.Enqueue(ctx, tx, event.TopicEscrowRefunded, map[string]any{
		"order_id": c.OrderID,
		"seller":   c.Seller,
		"amount":   c.Amount,
	})
}

// MarkDisputed freezes a locked custody while arbitration runs.
func MarkDisputed(ctx context.Context, tx pgx.Tx, orderID int64) error {
	return setStatus(ctx, tx, orderID, StatusDisputed)
}

func disburse(ctx context.Context, tx pgx.Tx, vault *ledger.Vault, c Custody, payouts []Payout) error {
	if c.Status != StatusLocked && c.Status != StatusDisputed {
		return ErrAlreadySettled
	}

	var total int64
	for _, p := range payouts {
		total += p.Amount
	}
	if total != c.Amount {
		return ErrPayoutMismatch
	}

	auth := vault.OrderAuthority(c.OrderID)
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		dest, err := ledger.EnsureAccount(ctx, tx, p.Owner, c.AssetID, vault.OwnerAuthority(p.Owner))
		if err != nil {
			return err
		}
		if err := ledger.Transfer(ctx, tx, c.AccountID, dest.ID, auth, p.Amount); err != nil {
			return err
		}
	}
	return nil
}

func setStatus(ctx context.Context, tx pgx.Tx, orderID int64, next Status) error {
	// Locked may dispute or settle; disputed may only settle. Settled states
	// are terminal.
	allowed := map[Status]string{
		StatusReleased: `('locked','disputed')`,
		StatusRefunded: `('locked','disputed')`,
		StatusDisputed: `('locked')`,
	}[next]
	if allowed == "" {
		return fmt.Errorf("escrow: unsupported status %q", next)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE escrows SET status = $1 WHERE order_id = $2 AND status IN `+allowed,
		next, orderID)
	if err != nil {
		return fmt.Errorf("escrow: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
			return fmt.Errorf("escrow: status check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		if next == StatusDisputed {
			return ErrNotLocked
		}
		return ErrAlreadySettled
	}
	return nil
}

func scanCustody(row pgx.Row) (Custody, error) {
	var c Custody
	err := row.Scan(
		&c.OrderID,
		&c.Seller,
		&c.Buyer,
		&c.AssetID,
		&c.Amount,
		&c.AccountID,
		&c.Status,
		&c.CreatedAt,
	)
	if err != nil {
		return Custody{}, err
	}
	return c, nil
}
