package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/ledger"
	"escrowflow/platform"
	"escrowflow/profile"
)

// Service orchestrates order transitions. Every public method is one
// all-or-nothing transaction: the order row is locked first, the pure
// transition is applied, then custody transfers, profile counters, and the
// outbox event commit together.
type Service struct {
	pool  *pgxpool.Pool
	vault *ledger.Vault
	now   func() time.Time
}

func NewService(pool *pgxpool.Pool, vault *ledger.Vault) *Service {
	return &Service{
		pool:  pool,
		vault: vault,
		now:   time.Now,
	}
}

// CreateBuyOrder posts a maker intent to buy. No funds move until a taker
// locks the asset at match time.
func (s *Service) CreateBuyOrder(ctx context.Context, p CreateParams) (Order, error) {
	return s.create(ctx, TypeBuy, p)
}

// CreateSellOrder posts a maker intent to sell and locks the maker's asset
// into custody in the same transaction.
func (s *Service) CreateSellOrder(ctx context.Context, p CreateParams) (Order, error) {
	return s.create(ctx, TypeSell, p)
}

func (s *Service) create(ctx context.Context, typ Type, p CreateParams) (Order, error) {
	o, err := New(typ, p, s.now())
	if err != nil {
		return Order{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := platform.LoadForUpdate(ctx, tx)
	if err != nil {
		return Order{}, err
	}
	if cfg.Paused {
		return Order{}, platform.ErrPlatformPaused
	}

	maker, err := profile.Ensure(ctx, tx, p.Maker)
	if err != nil {
		return Order{}, err
	}
	if maker.IsBanned {
		return Order{}, ErrUserBanned
	}

	if err := Insert(ctx, tx, o); err != nil {
		return Order{}, err
	}

	if typ == TypeSell {
		if _, err := escrow.Lock(ctx, tx, s.vault, o.OrderID, o.Maker, o.AssetID, o.Amount); err != nil {
			return Order{}, err
		}
	}

	if err := profile.RecordOrderCreated(ctx, tx, o.Maker); err != nil {
		return Order{}, err
	}
	if err := platform.RecordOrder(ctx, tx); err != nil {
		return Order{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicOrderCreated, map[string]any{
		"order_id":   o.OrderID,
		"maker":      o.Maker,
		"order_type": o.Type,
		"amount":     o.Amount,
		"price":      o.Price,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit create: %w", err)
	}
	return o, nil
}

// TakeOrder matches a pending order with a counterparty. For a buy order the
// taker deposits the asset into custody here, symmetric to the sell-order
// deposit at creation.
func (s *Service) TakeOrder(ctx context.Context, orderID int64, taker string, amount int64) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := platform.Load(ctx, tx)
	if err != nil {
		return Order{}, err
	}
	if cfg.Paused {
		return Order{}, platform.ErrPlatformPaused
	}

	o, err := GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}

	prof, err := profile.Ensure(ctx, tx, taker)
	if err != nil {
		return Order{}, err
	}
	if prof.IsBanned {
		return Order{}, ErrUserBanned
	}

	if err := o.Take(taker, amount, s.now()); err != nil {
		return Order{}, err
	}

	if o.Type == TypeBuy {
		// The taker is the seller-role party of a buy order.
		if _, err := escrow.Lock(ctx, tx, s.vault, o.OrderID, taker, o.AssetID, o.Amount); err != nil {
			return Order{}, err
		}
	}
	if err := escrow.SetBuyer(ctx, tx, o.OrderID, o.BuyerID()); err != nil {
		return Order{}, err
	}

	if err := Save(ctx, tx, o); err != nil {
		return Order{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicOrderTaken, map[string]any{
		"order_id": o.OrderID,
		"taker":    taker,
		"amount":   o.Amount,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit take: %w", err)
	}
	return o, nil
}

// ConfirmPayment records the buyer's claim that the off-band payment was
// sent. The optional proof reference rides in the notification payload only.
func (s *Service) ConfirmPayment(ctx context.Context, orderID int64, caller, paymentProof string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := platform.Load(ctx, tx)
	if err != nil {
		return Order{}, err
	}
	if cfg.Paused {
		return Order{}, platform.ErrPlatformPaused
	}

	o, err := GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := o.ConfirmPayment(caller); err != nil {
		return Order{}, err
	}
	if err := Save(ctx, tx, o); err != nil {
		return Order{}, err
	}

	payload := map[string]any{
		"order_id": o.OrderID,
		"payer":    caller,
	}
	if paymentProof != "" {
		payload["payment_proof"] = paymentProof
	}
	if err := event.Enqueue(ctx, tx, event.TopicPaymentConfirmed, payload); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit confirm: %w", err)
	}
	return o, nil
}

// ReleaseTokens completes a paid trade: the platform fee is carved out of
// the custody balance, the remainder goes to the buyer, and both parties'
// reputation settles.
func (s *Service) ReleaseTokens(ctx context.Context, orderID int64, caller string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := platform.LoadForUpdate(ctx, tx)
	if err != nil {
		return Order{}, err
	}
	if cfg.Paused {
		return Order{}, platform.ErrPlatformPaused
	}

	o, err := GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := o.Release(caller); err != nil {
		return Order{}, err
	}

	c, err := escrow.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}

	fee, err := Fee(c.Amount, cfg.PlatformFeeBP)
	if err != nil {
		return Order{}, err
	}
	buyer := o.BuyerID()
	payouts := []escrow.Payout{
		{Owner: buyer, Amount: c.Amount - fee},
		{Owner: ledger.PlatformOwner, Amount: fee},
	}
	if err := escrow.Release(ctx, tx, s.vault, c, payouts); err != nil {
		return Order{}, err
	}

	if err := Save(ctx, tx, o); err != nil {
		return Order{}, err
	}

	if err := profile.ApplyCompletion(ctx, tx, o.Maker); err != nil {
		return Order{}, err
	}
	if err := profile.ApplyCompletion(ctx, tx, *o.Taker); err != nil {
		return Order{}, err
	}
	if err := platform.RecordVolume(ctx, tx, c.Amount); err != nil {
		return Order{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicTokensReleased, map[string]any{
		"order_id": o.OrderID,
		"buyer":    buyer,
		"amount":   c.Amount - fee,
		"fee":      fee,
	}); err != nil {
		return Order{}, err
	}
	if err := event.Enqueue(ctx, tx, event.TopicOrderCompleted, map[string]any{
		"order_id": o.OrderID,
		"buyer":    buyer,
		"seller":   o.SellerID(),
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit release: %w", err)
	}
	return o, nil
}

// CancelOrder aborts an untraded order and refunds any locked custody in
// full to its depositor. Cancellation stays available while the platform is
// paused so locked funds always have an exit.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, caller, reason string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := o.Cancel(caller, reason); err != nil {
		return Order{}, err
	}

	c, err := escrow.GetForUpdate(ctx, tx, orderID)
	switch {
	case err == nil:
		if err := escrow.Refund(ctx, tx, s.vault, c); err != nil {
			return Order{}, err
		}
	case errors.Is(err, escrow.ErrNotFound):
		// Buy order that was never taken; nothing was locked.
	default:
		return Order{}, err
	}

	if err := Save(ctx, tx, o); err != nil {
		return Order{}, err
	}
	if err := profile.ApplyCancellation(ctx, tx, caller); err != nil {
		return Order{}, err
	}

	if err := event.Enqueue(ctx, tx, event.TopicOrderCancelled, map[string]any{
		"order_id": o.OrderID,
		"canceler": caller,
		"reason":   reason,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit cancel: %w", err)
	}
	return o, nil
}

// Get fetches an order by id.
func (s *Service) Get(ctx context.Context, orderID int64) (Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return o, nil
}

// ListFilters narrows List results.
type ListFilters struct {
	Maker    string
	Status   Status
	Page     int
	PageSize int
}

// List returns orders matching the filters, newest first.
func (s *Service) List(ctx context.Context, f ListFilters) ([]Order, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}

	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	if f.Maker != "" {
		args = append(args, f.Maker)
		query += fmt.Sprintf(" AND maker = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, f.PageSize)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate: %w", err)
	}
	return out, nil
}
