package event

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Sink receives dispatched messages. Delivery failures are retried on the
// next poll; the dispatcher never blocks a trading transition.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogSink writes messages to a standard logger. It is the default observer
// when no external delivery target is wired.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, msg Message) error {
	s.Logger.Printf("event %s %s %s", msg.ID, msg.Topic, msg.Payload)
	return nil
}

// Dispatcher polls the outbox and hands pending messages to the sink.
type Dispatcher struct {
	pool     *pgxpool.Pool
	sink     Sink
	interval time.Duration
	workers  int
}

func NewDispatcher(pool *pgxpool.Pool, sink Sink, interval time.Duration, workers int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{pool: pool, sink: sink, interval: interval, workers: workers}
}

// Run drives the worker loop until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			ticker := time.NewTicker(d.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if _, err := d.DispatchPending(ctx, 50); err != nil {
						log.Printf("event: dispatch: %v", err)
					}
				}
			}
		})
	}
	return g.Wait()
}

// DispatchPending claims up to limit pending messages, delivers them, and
// marks the delivered ones sent. Claiming uses SKIP LOCKED so concurrent
// workers never double-deliver a message.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("event: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`, limit)
	if err != nil {
		return 0, fmt.Errorf("event: claim pending: %w", err)
	}

	var batch []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("event: scan message: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("event: iterate messages: %w", err)
	}

	sent := 0
	for _, msg := range batch {
		if err := d.sink.Deliver(ctx, msg); err != nil {
			if _, uerr := tx.Exec(ctx,
				`UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, msg.ID); uerr != nil {
				return sent, fmt.Errorf("event: record attempt: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET status = 'sent', attempts = attempts + 1 WHERE id = $1`, msg.ID); err != nil {
			return sent, fmt.Errorf("event: mark sent: %w", err)
		}
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return sent, fmt.Errorf("event: commit dispatch: %w", err)
	}
	return sent, nil
}
