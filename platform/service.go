package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/event"
)

var (
	ErrAlreadyInitialized = errors.New("platform: already initialized")
	ErrNotInitialized     = errors.New("platform: not initialized")
	ErrInvalidFeeRate     = errors.New("platform: fee rate out of range")
	ErrNotAuthorized      = errors.New("platform: not authorized")
	ErrPlatformPaused     = errors.New("platform: trading is paused")
)

const configColumns = `authority, platform_fee_bp, dispute_fee_bp, total_orders, total_volume, paused, created_at, updated_at`

// Service manages the singleton platform configuration.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Initialize creates the platform record. It fails if a live instance
// already exists or either fee rate exceeds 100%.
func (s *Service) Initialize(ctx context.Context, authority string, platformFeeBP, disputeFeeBP int64) (Config, error) {
	if platformFeeBP < 0 || platformFeeBP > MaxFeeRateBP || disputeFeeBP < 0 || disputeFeeBP > MaxFeeRateBP {
		return Config{}, ErrInvalidFeeRate
	}
	if authority == "" {
		return Config{}, fmt.Errorf("platform: authority required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO platform_config (id, authority, platform_fee_bp, dispute_fee_bp)
VALUES (TRUE, $1, $2, $3)
RETURNING ` + configColumns
	cfg, err := scanConfig(tx.QueryRow(ctx, q, authority, platformFeeBP, disputeFeeBP))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Config{}, ErrAlreadyInitialized
		}
		return Config{}, fmt.Errorf("platform: initialize: %w", err)
	}

	if err := event.Enqueue(ctx, tx, event.TopicPlatformInitialized, map[string]any{
		"authority":       authority,
		"platform_fee_bp": platformFeeBP,
		"dispute_fee_bp":  disputeFeeBP,
	}); err != nil {
		return Config{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("platform: commit initialize: %w", err)
	}
	return cfg, nil
}

// Pause suspends all order-affecting operations. Only the authority may call it.
func (s *Service) Pause(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, true, event.TopicPlatformPaused)
}

// Resume lifts a pause. Only the authority may call it.
func (s *Service) Resume(ctx context.Context, caller string) error {
	return s.setPaused(ctx, caller, false, event.TopicPlatformResumed)
}

func (s *Service) setPaused(ctx context.Context, caller string, paused bool, topic string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("platform: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := LoadForUpdate(ctx, tx)
	if err != nil {
		return err
	}
	if cfg.Authority != caller {
		return ErrNotAuthorized
	}

	if _, err := tx.Exec(ctx,
		`UPDATE platform_config SET paused = $1, updated_at = now() WHERE id = TRUE`,
		paused,
	); err != nil {
		return fmt.Errorf("platform: set paused: %w", err)
	}

	if err := event.Enqueue(ctx, tx, topic, map[string]any{"authority": caller}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform: commit: %w", err)
	}
	return nil
}

// Get reads the platform configuration outside any transition.
func (s *Service) Get(ctx context.Context) (Config, error) {
	cfg, err := scanConfig(s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM platform_config WHERE id = TRUE`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotInitialized
		}
		return Config{}, fmt.Errorf("platform: get: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration inside a transition's transaction.
func Load(ctx context.Context, tx pgx.Tx) (Config, error) {
	cfg, err := scanConfig(tx.QueryRow(ctx,
		`SELECT `+configColumns+` FROM platform_config WHERE id = TRUE`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotInitialized
		}
		return Config{}, fmt.Errorf("platform: load: %w", err)
	}
	return cfg, nil
}

// LoadForUpdate row-locks the configuration for transitions that mutate its
// counters or flags.
func LoadForUpdate(ctx context.Context, tx pgx.Tx) (Config, error) {
	cfg, err := scanConfig(tx.QueryRow(ctx,
		`SELECT `+configColumns+` FROM platform_config WHERE id = TRUE FOR UPDATE`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotInitialized
		}
		return Config{}, fmt.Errorf("platform: load for update: %w", err)
	}
	return cfg, nil
}

// RecordOrder bumps the global posted-order counter.
func RecordOrder(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx,
		`UPDATE platform_config SET total_orders = total_orders + 1, updated_at = now() WHERE id = TRUE`,
	); err != nil {
		return fmt.Errorf("platform: record order: %w", err)
	}
	return nil
}

// RecordVolume adds a settled trade's amount to the global volume counter.
func RecordVolume(ctx context.Context, tx pgx.Tx, amount int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE platform_config SET total_volume = total_volume + $1, updated_at = now() WHERE id = TRUE`,
		amount,
	); err != nil {
		return fmt.Errorf("platform: record volume: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (Config, error) {
	var cfg Config
	err := row.Scan(
		&cfg.Authority,
		&cfg.PlatformFeeBP,
		&cfg.DisputeFeeBP,
		&cfg.TotalOrders,
		&cfg.TotalVolume,
		&cfg.Paused,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
