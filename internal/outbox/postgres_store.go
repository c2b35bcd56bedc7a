package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vidforge/vidforge/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed outbox store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert appends an event outside of any business transaction.
func (p *PostgresStore) Insert(ctx context.Context, evt *Event) error {
	return p.insert(ctx, p.db, evt)
}

// InsertTx appends an event inside a caller-owned transaction. This is the
// path business code uses: the event commits or rolls back with the
// business change.
func (p *PostgresStore) InsertTx(ctx context.Context, tx *sql.Tx, evt *Event) error {
	return p.insert(ctx, tx, evt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) insert(ctx context.Context, q execer, evt *Event) error {
	if evt.ID == "" {
		evt.ID = idgen.New()
	}
	// ON CONFLICT DO NOTHING makes duplicate idempotency keys a no-op,
	// which is what allows business retries to re-run the whole tx.
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox_events
			(id, event_type, aggregate_type, aggregate_id, idempotency_key,
			 payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, NOW(), NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, evt.ID, evt.EventType, evt.AggregateType, evt.AggregateID, evt.IdempotencyKey, evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimBatch leases up to n retryable events for dispatcherID. FOR UPDATE
// SKIP LOCKED lets multiple dispatchers poll concurrently without
// contention; expired leases are reclaimed.
func (p *PostgresStore) ClaimBatch(ctx context.Context, n int, dispatcherID string, lease time.Duration) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE outbox_events SET
			status     = 'processing',
			locked_at  = NOW(),
			locked_by  = $2,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE (
				(status IN ('pending', 'failed') AND next_attempt_at <= NOW())
				OR (status = 'processing' AND locked_at < NOW() - $3::interval)
			)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, aggregate_type, aggregate_id, idempotency_key,
		          payload, status, attempts, next_attempt_at, locked_at,
		          COALESCE(locked_by, ''), created_at, updated_at
	`, n, dispatcherID, fmt.Sprintf("%f seconds", lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		evt := &Event{}
		if err := rows.Scan(
			&evt.ID, &evt.EventType, &evt.AggregateType, &evt.AggregateID,
			&evt.IdempotencyKey, &evt.Payload, (*string)(&evt.Status),
			&evt.Attempts, &evt.NextAttemptAt, &evt.LockedAt, &evt.LockedBy,
			&evt.CreatedAt, &evt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// MarkPublished finalizes a delivered event and clears its lease.
func (p *PostgresStore) MarkPublished(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events SET
			status     = 'published',
			locked_at  = NULL,
			locked_by  = NULL,
			updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed increments attempts and either reschedules with exponential
// backoff or moves the event to dead when attempts are exhausted.
func (p *PostgresStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempts FROM outbox_events WHERE id = $1 FOR UPDATE
	`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox_events SET
				status = 'dead', attempts = $2,
				locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, attempts)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox_events SET
				status = 'failed', attempts = $2,
				next_attempt_at = NOW() + $3::interval,
				locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, attempts, fmt.Sprintf("%f seconds", Backoff(attempts).Seconds()))
	}
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return tx.Commit()
}

// CountRetryable returns the pending+failed backlog size.
func (p *PostgresStore) CountRetryable(ctx context.Context) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE status IN ('pending', 'failed')
	`).Scan(&count)
	return count, err
}

// PrunePublished deletes published events older than the cutoff.
func (p *PostgresStore) PrunePublished(ctx context.Context, before time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM outbox_events WHERE status = 'published' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return result.RowsAffected()
}
