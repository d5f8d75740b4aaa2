package order

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/ledger"
)

// TestSellOrderLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks a sell order through create, take, confirm, and
// release, asserting custody balances at each hop.
func TestSellOrderLifecycle_Integration(t *testing.T) {
	pool, vault := setupIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nano := time.Now().UnixNano()
	var (
		orderID = nano
		seller  = fmt.Sprintf("itest-seller-%d", nano)
		buyer   = fmt.Sprintf("itest-buyer-%d", nano)
		assetID = "USDC"
	)
	cleanupOrder(t, pool, orderID, seller, buyer)

	fundAccount(ctx, t, pool, vault, seller, assetID, 5000)

	svc := NewService(pool, vault)

	o, err := svc.CreateSellOrder(ctx, CreateParams{
		OrderID:       orderID,
		Maker:         seller,
		AssetID:       assetID,
		Amount:        1000,
		Price:         5,
		PaymentMethod: "PAYPAL",
		MinLimit:      1000,
		MaxLimit:      1000,
		ExpiresAt:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create sell order: %v", err)
	}
	if o.Status != StatusPending {
		t.Fatalf("expected pending after create, got %q", o.Status)
	}

	// Creating a sell order locks the full amount into custody immediately.
	if got := balanceOf(ctx, t, pool, seller, assetID); got != 4000 {
		t.Fatalf("seller funding after lock: got %d, want 4000", got)
	}
	if got := balanceOf(ctx, t, pool, ledger.CustodyOwner(orderID), assetID); got != 1000 {
		t.Fatalf("custody after lock: got %d, want 1000", got)
	}

	if _, err := svc.TakeOrder(ctx, orderID, buyer, 1000); err != nil {
		t.Fatalf("take order: %v", err)
	}

	// A second taker loses the race cleanly.
	if _, err := svc.TakeOrder(ctx, orderID, fmt.Sprintf("itest-late-%d", nano), 1000); err != ErrOrderNotPending {
		t.Fatalf("second take: got %v, want ErrOrderNotPending", err)
	}

	// Only the buyer-role party may confirm payment.
	if _, err := svc.ConfirmPayment(ctx, orderID, seller, ""); err != ErrNotBuyer {
		t.Fatalf("seller confirm: got %v, want ErrNotBuyer", err)
	}
	if _, err := svc.ConfirmPayment(ctx, orderID, buyer, "wire-ref-42"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	feesBefore := balanceOf(ctx, t, pool, ledger.PlatformOwner, assetID)

	o, err = svc.ReleaseTokens(ctx, orderID, seller)
	if err != nil {
		t.Fatalf("release tokens: %v", err)
	}
	if o.Status != StatusCompleted {
		t.Fatalf("expected completed after release, got %q", o.Status)
	}

	// platform_fee_bp is seeded at 50, so 1000 splits into 995 + 5.
	if got := balanceOf(ctx, t, pool, buyer, assetID); got != 995 {
		t.Fatalf("buyer after release: got %d, want 995", got)
	}
	if got := balanceOf(ctx, t, pool, ledger.PlatformOwner, assetID); got != feesBefore+5 {
		t.Fatalf("platform fees after release: got %d, want %d", got, feesBefore+5)
	}
	if got := balanceOf(ctx, t, pool, ledger.CustodyOwner(orderID), assetID); got != 0 {
		t.Fatalf("custody after release: got %d, want drained to 0", got)
	}

	var escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM escrows WHERE order_id = $1`, orderID).Scan(&escrowStatus); err != nil {
		t.Fatalf("read escrow status: %v", err)
	}
	if escrowStatus != string(escrow.StatusReleased) {
		t.Fatalf("escrow status: got %q, want released", escrowStatus)
	}

	// Completion settles both parties' reputation.
	var reputation int64
	if err := pool.QueryRow(ctx, `SELECT reputation FROM user_profiles WHERE user_id = $1`, buyer).Scan(&reputation); err != nil {
		t.Fatalf("read buyer reputation: %v", err)
	}
	if reputation != 10 {
		t.Fatalf("buyer reputation: got %d, want 10", reputation)
	}

	// The whole lifecycle leaves a notification trail in the outbox.
	for _, topic := range []string{"order.created", "escrow.locked", "order.taken", "payment.confirmed", "tokens.released", "order.completed"} {
		var n int
		if err := pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'order_id' = $2`,
			topic, fmt.Sprint(orderID)).Scan(&n); err != nil {
			t.Fatalf("count outbox %s: %v", topic, err)
		}
		if n != 1 {
			t.Fatalf("outbox %s: got %d messages, want 1", topic, n)
		}
	}
}

// TestBuyOrderLifecycle_Integration walks a buy order through its lifecycle.
// A buy order moves no funds at creation; the taker deposits the asset into
// custody at match time and the escrow roles invert: the maker is the buyer,
// the taker the seller.
func TestBuyOrderLifecycle_Integration(t *testing.T) {
	pool, vault := setupIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nano := time.Now().UnixNano()
	var (
		orderID = nano
		maker   = fmt.Sprintf("itest-bmaker-%d", nano)
		taker   = fmt.Sprintf("itest-btaker-%d", nano)
		assetID = "SOL"
	)
	cleanupOrder(t, pool, orderID, maker, taker)

	fundAccount(ctx, t, pool, vault, taker, assetID, 2000)

	svc := NewService(pool, vault)

	if _, err := svc.CreateBuyOrder(ctx, CreateParams{
		OrderID:       orderID,
		Maker:         maker,
		AssetID:       assetID,
		Amount:        1000,
		Price:         5,
		PaymentMethod: "WECHAT",
		MinLimit:      100,
		MaxLimit:      1000,
		ExpiresAt:     time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create buy order: %v", err)
	}

	// No custody exists until someone takes the order.
	var escrows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrows WHERE order_id = $1`, orderID).Scan(&escrows); err != nil {
		t.Fatalf("count escrows: %v", err)
	}
	if escrows != 0 {
		t.Fatalf("buy order locked custody at create: %d rows", escrows)
	}
	if got := balanceOf(ctx, t, pool, taker, assetID); got != 2000 {
		t.Fatalf("taker funding before take: got %d, want 2000", got)
	}

	// The taker fixes the final amount within the band and deposits it.
	o, err := svc.TakeOrder(ctx, orderID, taker, 800)
	if err != nil {
		t.Fatalf("take buy order: %v", err)
	}
	if o.Amount != 800 {
		t.Fatalf("taker-fixed amount: got %d, want 800", o.Amount)
	}
	if got := balanceOf(ctx, t, pool, taker, assetID); got != 1200 {
		t.Fatalf("taker funding after lock: got %d, want 1200", got)
	}
	if got := balanceOf(ctx, t, pool, ledger.CustodyOwner(orderID), assetID); got != 800 {
		t.Fatalf("custody after lock: got %d, want 800", got)
	}

	// Escrow roles: depositor is the taker, buyer is the maker.
	var escSeller string
	var escBuyer *string
	if err := pool.QueryRow(ctx, `SELECT seller, buyer FROM escrows WHERE order_id = $1`, orderID).Scan(&escSeller, &escBuyer); err != nil {
		t.Fatalf("read escrow parties: %v", err)
	}
	if escSeller != taker || escBuyer == nil || *escBuyer != maker {
		t.Fatalf("escrow parties: seller=%q buyer=%v, want seller=%q buyer=%q", escSeller, escBuyer, taker, maker)
	}

	// The maker is the buyer-role party of a buy order.
	if _, err := svc.ConfirmPayment(ctx, orderID, taker, ""); err != ErrNotBuyer {
		t.Fatalf("taker confirm on buy order: got %v, want ErrNotBuyer", err)
	}
	if _, err := svc.ConfirmPayment(ctx, orderID, maker, ""); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	// And the taker is the seller-role party who releases.
	if _, err := svc.ReleaseTokens(ctx, orderID, maker); err != ErrNotSeller {
		t.Fatalf("maker release on buy order: got %v, want ErrNotSeller", err)
	}
	feesBefore := balanceOf(ctx, t, pool, ledger.PlatformOwner, assetID)
	o, err = svc.ReleaseTokens(ctx, orderID, taker)
	if err != nil {
		t.Fatalf("release tokens: %v", err)
	}
	if o.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", o.Status)
	}

	// 800 at 50bp splits into 796 + 4.
	if got := balanceOf(ctx, t, pool, maker, assetID); got != 796 {
		t.Fatalf("maker after release: got %d, want 796", got)
	}
	if got := balanceOf(ctx, t, pool, ledger.PlatformOwner, assetID); got != feesBefore+4 {
		t.Fatalf("platform fees after release: got %d, want %d", got, feesBefore+4)
	}
	if got := balanceOf(ctx, t, pool, ledger.CustodyOwner(orderID), assetID); got != 0 {
		t.Fatalf("custody after release: got %d, want drained to 0", got)
	}
}

// TestCancelPendingBuyOrder_Integration verifies cancelling an untaken buy
// order does not touch the ledger: nothing was locked, so there is nothing
// to refund.
func TestCancelPendingBuyOrder_Integration(t *testing.T) {
	pool, vault := setupIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nano := time.Now().UnixNano()
	var (
		orderID = nano
		maker   = fmt.Sprintf("itest-bcanceller-%d", nano)
	)
	cleanupOrder(t, pool, orderID, maker)

	svc := NewService(pool, vault)

	if _, err := svc.CreateBuyOrder(ctx, CreateParams{
		OrderID:       orderID,
		Maker:         maker,
		AssetID:       "USDT",
		Amount:        500,
		Price:         2,
		PaymentMethod: "ALIPAY",
		MinLimit:      100,
		MaxLimit:      500,
		ExpiresAt:     time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create buy order: %v", err)
	}

	o, err := svc.CancelOrder(ctx, orderID, maker, "no longer buying")
	if err != nil {
		t.Fatalf("cancel pending buy order: %v", err)
	}
	if o.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", o.Status)
	}

	// No escrow, no custody account, no refund event.
	var escrows, accounts, refunds int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrows WHERE order_id = $1`, orderID).Scan(&escrows); err != nil {
		t.Fatalf("count escrows: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_accounts WHERE owner = $1`, ledger.CustodyOwner(orderID)).Scan(&accounts); err != nil {
		t.Fatalf("count custody accounts: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE topic = 'escrow.refunded' AND payload->>'order_id' = $1`,
		fmt.Sprint(orderID)).Scan(&refunds); err != nil {
		t.Fatalf("count refund events: %v", err)
	}
	if escrows != 0 || accounts != 0 || refunds != 0 {
		t.Fatalf("cancel of untaken buy order touched custody: escrows=%d accounts=%d refunds=%d", escrows, accounts, refunds)
	}

	var cancelled int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE topic = 'order.cancelled' AND payload->>'order_id' = $1`,
		fmt.Sprint(orderID)).Scan(&cancelled); err != nil {
		t.Fatalf("count cancel events: %v", err)
	}
	if cancelled != 1 {
		t.Fatalf("expected 1 order.cancelled event, got %d", cancelled)
	}
}

// TestCancelBeforeTake_Integration verifies a cancelled sell order refunds
// custody in full with no fee taken.
func TestCancelBeforeTake_Integration(t *testing.T) {
	pool, vault := setupIntegration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nano := time.Now().UnixNano()
	var (
		orderID = nano
		seller  = fmt.Sprintf("itest-canceller-%d", nano)
		assetID = "USDT"
	)
	cleanupOrder(t, pool, orderID, seller, "")

	fundAccount(ctx, t, pool, vault, seller, assetID, 2500)

	svc := NewService(pool, vault)

	if _, err := svc.CreateSellOrder(ctx, CreateParams{
		OrderID:       orderID,
		Maker:         seller,
		AssetID:       assetID,
		Amount:        2500,
		Price:         7,
		PaymentMethod: "BANK",
		MinLimit:      2500,
		MaxLimit:      2500,
		ExpiresAt:     time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create sell order: %v", err)
	}
	if got := balanceOf(ctx, t, pool, seller, assetID); got != 0 {
		t.Fatalf("seller funding after lock: got %d, want 0", got)
	}

	// Only a participant may cancel.
	if _, err := svc.CancelOrder(ctx, orderID, fmt.Sprintf("itest-stranger-%d", nano), "nope"); err != ErrNotAuthorized {
		t.Fatalf("stranger cancel: got %v, want ErrNotAuthorized", err)
	}

	o, err := svc.CancelOrder(ctx, orderID, seller, "changed my mind")
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	if o.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %q", o.Status)
	}
	if o.CancelReason == nil || *o.CancelReason != "changed my mind" {
		t.Fatalf("cancel reason not recorded: %v", o.CancelReason)
	}

	// Full refund, no fee.
	if got := balanceOf(ctx, t, pool, seller, assetID); got != 2500 {
		t.Fatalf("seller after refund: got %d, want 2500", got)
	}
	if got := balanceOf(ctx, t, pool, ledger.CustodyOwner(orderID), assetID); got != 0 {
		t.Fatalf("custody after refund: got %d, want 0", got)
	}

	var escrowStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM escrows WHERE order_id = $1`, orderID).Scan(&escrowStatus); err != nil {
		t.Fatalf("read escrow status: %v", err)
	}
	if escrowStatus != string(escrow.StatusRefunded) {
		t.Fatalf("escrow status: got %q, want refunded", escrowStatus)
	}

	// A settled order cannot be cancelled twice.
	if _, err := svc.CancelOrder(ctx, orderID, seller, "again"); err != ErrOrderCannotCancel {
		t.Fatalf("double cancel: got %v, want ErrOrderCannotCancel", err)
	}
}

// setupIntegration skips unless DATABASE_URL points at a migrated PostgreSQL,
// then seeds a known platform configuration.
func setupIntegration(t *testing.T) (*pgxpool.Pool, *ledger.Vault) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, table := range []string{"orders", "escrows", "ledger_accounts", "platform_config", "outbox", "user_profiles"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("database schema missing (table %s); apply migrations/001_init.sql first", table)
		}
	}

	if _, err := pool.Exec(ctx, `
        INSERT INTO platform_config (id, authority, platform_fee_bp, dispute_fee_bp)
        VALUES (TRUE, 'itest-arbitrator', 50, 100)
        ON CONFLICT (id) DO UPDATE
        SET platform_fee_bp = 50, dispute_fee_bp = 100, paused = FALSE
    `); err != nil {
		t.Fatalf("seed platform config: %v", err)
	}

	vault, err := ledger.NewVault([]byte("integration-test-custody-key"))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return pool, vault
}

// fundAccount simulates an external deposit settling into a funding account.
func fundAccount(ctx context.Context, t *testing.T, pool *pgxpool.Pool, vault *ledger.Vault, owner, assetID string, amount int64) {
	t.Helper()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin funding tx: %v", err)
	}
	defer tx.Rollback(ctx)

	acct, err := ledger.EnsureAccount(ctx, tx, owner, assetID, vault.OwnerAuthority(owner))
	if err != nil {
		t.Fatalf("ensure funding account: %v", err)
	}
	if err := ledger.Credit(ctx, tx, acct.ID, amount); err != nil {
		t.Fatalf("credit funding account: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit funding tx: %v", err)
	}
}

func balanceOf(ctx context.Context, t *testing.T, pool *pgxpool.Pool, owner, assetID string) int64 {
	t.Helper()

	var balance int64
	err := pool.QueryRow(ctx,
		`SELECT balance FROM ledger_accounts WHERE owner = $1 AND asset_id = $2`,
		owner, assetID).Scan(&balance)
	if err != nil {
		t.Fatalf("read balance of %s/%s: %v", owner, assetID, err)
	}
	return balance
}

// cleanupOrder removes the rows a test run leaves behind (best-effort).
func cleanupOrder(t *testing.T, pool *pgxpool.Pool, orderID int64, users ...string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Exec(ctx, `DELETE FROM outbox WHERE payload->>'order_id' = $1`, fmt.Sprint(orderID))
		pool.Exec(ctx, `DELETE FROM disputes WHERE order_id = $1`, orderID)
		pool.Exec(ctx, `DELETE FROM escrows WHERE order_id = $1`, orderID)
		pool.Exec(ctx, `DELETE FROM orders WHERE order_id = $1`, orderID)
		pool.Exec(ctx, `DELETE FROM ledger_accounts WHERE owner = $1`, fmt.Sprintf("custody:%d", orderID))
		for _, u := range users {
			if u == "" {
				continue
			}
			pool.Exec(ctx, `DELETE FROM ledger_accounts WHERE owner = $1`, u)
			pool.Exec(ctx, `DELETE FROM user_profiles WHERE user_id = $1`, u)
		}
	})
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
