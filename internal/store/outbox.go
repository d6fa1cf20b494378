package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/amora/internal/delivery"
	"github.com/matheus3301/amora/internal/protocol"
)

// SaveEnvelope inserts env or updates its retry count.
func (db *DB) SaveEnvelope(ctx context.Context, env delivery.Envelope) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (local_id, event, payload, retry_count, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		string(env.LocalID), string(env.Event), string(env.Payload), env.RetryCount, env.EnqueuedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("save envelope %s: %w", env.LocalID, err)
	}
	return nil
}

// DeleteEnvelope removes the envelope with the given id.
func (db *DB) DeleteEnvelope(ctx context.Context, id protocol.CorrelationID) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE local_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete envelope %s: %w", id, err)
	}
	return nil
}

// LoadEnvelopes returns every stored envelope in enqueue order.
func (db *DB) LoadEnvelopes(ctx context.Context) ([]delivery.Envelope, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT local_id, event, payload, retry_count, enqueued_at
		FROM outbox ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var envs []delivery.Envelope
	for rows.Next() {
		var (
			id, event, payload string
			retries            int
			enqueuedAt         int64
		)
		if err := rows.Scan(&id, &event, &payload, &retries, &enqueuedAt); err != nil {
			return nil, err
		}
		envs = append(envs, delivery.Envelope{
			LocalID:    protocol.CorrelationID(id),
			Event:      protocol.Kind(event),
			Payload:    []byte(payload),
			EnqueuedAt: time.UnixMilli(enqueuedAt),
			RetryCount: retries,
		})
	}
	return envs, rows.Err()
}

// OutboxLen returns the number of stored envelopes.
func (db *DB) OutboxLen(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count outbox: %w", err)
	}
	return n, nil
}
