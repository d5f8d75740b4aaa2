// Package ledger is the asset custody-transfer primitive consumed by the
// trading core. Every transfer is a single balance-conserving statement pair
// executed inside the caller's transaction and gated by the debited
// account's authority capability.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrBadAuthority        = errors.New("ledger: authority does not control account")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

// Account mirrors the ledger_accounts table.
type Account struct {
	ID        string
	Owner     string
	AssetID   string
	Balance   int64
	CreatedAt time.Time
}

// PlatformOwner names the account that accumulates platform fees.
const PlatformOwner = "platform:fees"

// CustodyOwner names the holding account for an order's escrow.
func CustodyOwner(orderID int64) string {
	return fmt.Sprintf("custody:%d", orderID)
}

// EnsureAccount returns the account for (owner, asset), creating it with the
// given authority when absent. The authority is fixed at creation and never
// rebound afterwards.
func EnsureAccount(ctx context.Context, tx pgx.Tx, owner, assetID string, auth Authority) (Account, error) {
	const q = `
INSERT INTO ledger_accounts (owner, asset_id, balance, authority)
VALUES ($1, $2, 0, $3)
ON CONFLICT (owner, asset_id) DO UPDATE SET owner = EXCLUDED.owner
RETURNING id, owner, asset_id, balance, created_at
`
	var acct Account
	if err := tx.QueryRow(ctx, q, owner, assetID, auth.Token()).
		Scan(&acct.ID, &acct.Owner, &acct.AssetID, &acct.Balance, &acct.CreatedAt); err != nil {
		return Account{}, fmt.Errorf("ledger: ensure account: %w", err)
	}
	return acct, nil
}

// Transfer moves amount from one account to another. The caller must present
// the authority bound to the source account; the move debits and credits
// within the surrounding transaction so the sum of balances is conserved or
// nothing happens at all.
func Transfer(ctx context.Context, tx pgx.Tx, fromID, toID string, auth Authority, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	var (
		balance int64
		stored  []byte
	)
	if err := tx.QueryRow(ctx,
		`SELECT balance, authority FROM ledger_accounts WHERE id = $1 FOR UPDATE`,
		fromID,
	).Scan(&balance, &stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("ledger: lock source account: %w", err)
	}
	if !auth.matches(stored) {
		return ErrBadAuthority
	}
	if balance < amount {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = balance - $1 WHERE id = $2`,
		amount, fromID,
	); err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2`,
		amount, toID,
	)
	if err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// Credit adds externally deposited funds to an account. It is the hook the
// chain deposit gateway calls when an inbound transfer settles; the trading
// core itself never mints.
func Credit(ctx context.Context, tx pgx.Tx, accountID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tag, err := tx.Exec(ctx,
		`UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2`,
		amount, accountID,
	)
	if err != nil {
		return fmt.Errorf("ledger: credit deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Balance reads an account balance inside the caller's transaction.
func Balance(ctx context.Context, tx pgx.Tx, accountID string) (int64, error) {
	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM ledger_accounts WHERE id = $1`,
		accountID,
	).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}
