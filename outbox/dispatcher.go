package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Handler processes one pending message. Returning an error leaves the
// message pending with its attempt count bumped.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Dispatcher polls the transactional outbox and hands pending messages to a
// handler. Rows are claimed FOR UPDATE SKIP LOCKED so multiple dispatchers
// can run against the same table.
type Dispatcher struct {
	pool        *pgxpool.Pool
	handler     Handler
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// NewDispatcher builds a dispatcher over the given pool.
func NewDispatcher(pool *pgxpool.Pool, handler Handler) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		handler:     handler,
		interval:    2 * time.Second,
		batchSize:   50,
		maxAttempts: 10,
	}
}

// WithInterval overrides the polling interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Printf("outbox: drain failed: %v", err)
			}
		}
	}
}

// Drain claims and processes one batch of pending messages.
func (d *Dispatcher) Drain(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending' AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, claimSQL, d.batchSize, d.maxAttempts)
	if err != nil {
		return fmt.Errorf("outbox: claim pending: %w", err)
	}

	type message struct {
		id      string
		topic   string
		payload []byte
	}
	batch := make([]message, 0, d.batchSize)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate messages: %w", err)
	}

	for _, m := range batch {
		if err := d.handler(ctx, m.topic, m.payload); err != nil {
			if _, execErr := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, m.id); execErr != nil {
				return fmt.Errorf("outbox: bump attempts: %w", execErr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'sent' WHERE id = $1`, m.id); err != nil {
			return fmt.Errorf("outbox: mark sent: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit drain: %w", err)
	}
	return nil
}
