// Package engine bundles the command surface of the escrow core. Callers
// embed an Engine and invoke its services directly; there is no network
// protocol in front of it.
package engine

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/platform"
	"escrowflow/profile"
)

type Engine struct {
	Auth     *auth.Service
	Platform *platform.Service
	Orders   *order.Service
	Disputes *dispute.Service
	Profiles *profile.Repository
}

func New(pool *pgxpool.Pool, vault *ledger.Vault, jwtSecret string) *Engine {
	return &Engine{
		Auth:     auth.NewService(auth.NewRepository(pool), jwtSecret),
		Platform: platform.NewService(pool),
		Orders:   order.NewService(pool, vault),
		Disputes: dispute.NewService(pool, vault),
		Profiles: profile.NewRepository(pool),
	}
}
