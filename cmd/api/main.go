package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/engine"
	"escrowflow/event"
	"escrowflow/ledger"
	"escrowflow/platform"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	vault, err := ledger.NewVault([]byte(cfg.CustodyKey))
	if err != nil {
		log.Fatalf("custody vault: %v", err)
	}

	eng := engine.New(pool, vault, cfg.JWTSecret)
	switch pc, err := eng.Platform.Get(ctx); {
	case err == nil:
		log.Printf("engine ready: paused=%t platform_fee_bp=%d total_orders=%d",
			pc.Paused, pc.PlatformFeeBP, pc.TotalOrders)
	case errors.Is(err, platform.ErrNotInitialized):
		log.Printf("engine ready: platform not initialized, trading rejects until Initialize runs")
	default:
		log.Fatalf("read platform config: %v", err)
	}

	dispatcher := event.NewDispatcher(
		pool,
		event.LogSink{Logger: log.Default()},
		time.Duration(cfg.DispatchInterval)*time.Millisecond,
		cfg.DispatchWorkers,
	)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("event dispatcher: %v", err)
	}
}
