package operation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed operation store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer covers *sql.DB and *sql.Tx so the Tx variants share one code path.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Add inserts a pending operation and returns its id.
func (p *PostgresStore) Add(ctx context.Context, op *Operation) (int64, error) {
	return p.addWith(ctx, p.db, op)
}

// AddTx is Add inside a caller-owned transaction.
func (p *PostgresStore) AddTx(ctx context.Context, tx *sql.Tx, op *Operation) (int64, error) {
	return p.addWith(ctx, tx, op)
}

func (p *PostgresStore) addWith(ctx context.Context, q execer, op *Operation) (int64, error) {
	params, err := op.Params.Marshal()
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO operations (asset_id, type, status, params, created_at, updated_at)
		VALUES ($1, $2, 'pending', $3, NOW(), NOW())
		RETURNING id
	`, op.AssetID, string(op.Type), params).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation: %w", err)
	}
	return id, nil
}

// Get retrieves an operation by id.
func (p *PostgresStore) Get(ctx context.Context, id int64) (*Operation, error) {
	return p.getWith(ctx, p.db, id, false)
}

// GetForUpdate locks the operation row inside a caller-owned transaction.
func (p *PostgresStore) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*Operation, error) {
	return p.getWith(ctx, tx, id, true)
}

func (p *PostgresStore) getWith(ctx context.Context, q execer, id int64, forUpdate bool) (*Operation, error) {
	query := `
		SELECT id, asset_id, type, status, params,
		       COALESCE(result_path, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM operations WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	op := &Operation{}
	var params []byte
	err := q.QueryRowContext(ctx, query, id).Scan(
		&op.ID, &op.AssetID, (*string)(&op.Type), (*string)(&op.Status),
		&params, &op.ResultPath, &op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if op.Params, err = UnmarshalParams(params); err != nil {
		return nil, err
	}
	return op, nil
}

// UpdateStatus applies a forward-only transition in its own transaction.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id int64, status Status, resultPath, errMessage string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.UpdateStatusTx(ctx, tx, id, status, resultPath, errMessage); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStatusTx applies a forward-only transition inside a caller-owned
// transaction. The guard runs in SQL so two racing workers cannot both win;
// a transition that is not legal from the current status returns
// ErrInvalidTransition.
func (p *PostgresStore) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id int64, status Status, resultPath, errMessage string) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE operations SET
			status        = $2,
			result_path   = NULLIF($3, ''),
			error_message = NULLIF($4, ''),
			updated_at    = NOW()
		WHERE id = $1
		  AND ((status = 'pending'    AND $2 IN ('processing', 'failed'))
		    OR (status = 'processing' AND $2 IN ('completed', 'failed')))
	`, id, string(status), resultPath, errMessage)
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the row is missing or the transition is illegal.
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM operations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%w: operation %d to %s", ErrInvalidTransition, id, status)
	}
	return nil
}

// Find locates an existing operation matching the asset, type, and params.
func (p *PostgresStore) Find(ctx context.Context, assetID string, opType Type, params Params) (*Operation, error) {
	blob, err := params.Marshal()
	if err != nil {
		return nil, err
	}

	op := &Operation{}
	var stored []byte
	err = p.db.QueryRowContext(ctx, `
		SELECT id, asset_id, type, status, params,
		       COALESCE(result_path, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM operations
		WHERE asset_id = $1 AND type = $2 AND params = $3::jsonb
		ORDER BY created_at DESC
		LIMIT 1
	`, assetID, string(opType), blob).Scan(
		&op.ID, &op.AssetID, (*string)(&op.Type), (*string)(&op.Status),
		&stored, &op.ResultPath, &op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if op.Params, err = UnmarshalParams(stored); err != nil {
		return nil, err
	}
	return op, nil
}

// ListByStatus returns operations in the given statuses, oldest first.
func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, asset_id, type, status, params,
		       COALESCE(result_path, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM operations
		WHERE status = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2
	`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

// ListByAsset returns every operation for an asset, newest first.
func (p *PostgresStore) ListByAsset(ctx context.Context, assetID string) ([]*Operation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, asset_id, type, status, params,
		       COALESCE(result_path, ''), COALESCE(error_message, ''),
		       created_at, updated_at
		FROM operations
		WHERE asset_id = $1
		ORDER BY created_at DESC
	`, assetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOperations(rows)
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation
	for rows.Next() {
		op := &Operation{}
		var params []byte
		if err := rows.Scan(
			&op.ID, &op.AssetID, (*string)(&op.Type), (*string)(&op.Status),
			&params, &op.ResultPath, &op.ErrorMessage, &op.CreatedAt, &op.UpdatedAt,
		); err != nil {
			return nil, err
		}
		var err error
		if op.Params, err = UnmarshalParams(params); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
