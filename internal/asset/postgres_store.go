package asset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Videos and images live in
// separate tables with identical shapes; the id prefix picks the table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const assetColumns = "id, user_id, name, format, width, height, size_bytes, metadata, created_at"

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindVideo:
		return "videos", nil
	case KindImage:
		return "images", nil
	default:
		return "", fmt.Errorf("unknown asset kind %q", kind)
	}
}

func (s *PostgresStore) Create(ctx context.Context, a *Asset) error {
	if a.Kind == "" && a.ID != "" {
		a.Kind = KindOf(a.ID)
	}
	table, err := tableFor(a.Kind)
	if err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = NewID(a.Kind)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, user_id, name, format, width, height, size_bytes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.UserID, a.Name, a.Format, a.Width, a.Height, a.SizeBytes, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", a.Kind, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Asset, error) {
	kind := KindOf(id)
	table, err := tableFor(kind)
	if err != nil {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM "+table+" WHERE id = $1", id)
	a, err := scanAsset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
	}
	a.Kind = kind
	return a, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, kind Kind) ([]*Asset, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM "+table+" WHERE user_id = $1 ORDER BY created_at DESC, id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %ss: %w", kind, err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		a.Kind = kind
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	table, err := tableFor(KindOf(id))
	if err != nil {
		return ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// Operations reference assets across two tables, so the cascade is done
	// here instead of a foreign key.
	if _, err := tx.ExecContext(ctx, "DELETE FROM operations WHERE asset_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete asset operations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, kind Kind) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %ss: %w", kind, err)
	}
	return n, nil
}

func scanAsset(scan func(...any) error) (*Asset, error) {
	var a Asset
	var name, format sql.NullString
	var meta []byte
	err := scan(&a.ID, &a.UserID, &name, &format, &a.Width, &a.Height, &a.SizeBytes, &meta, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Name = name.String
	a.Format = format.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}
