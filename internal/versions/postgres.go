package versions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_versions (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	content       TEXT NOT NULL,
	diff          TEXT NOT NULL,
	author        TEXT NOT NULL DEFAULT '',
	restored_from INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, sequence)
)`

const selectColumns = `id, document_id, sequence, content, diff, author, restored_from, created_at`

// PostgresStore keeps history in the document_versions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the table when missing.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create document_versions: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Append takes a transaction-scoped advisory lock on the document so
// concurrent saves from several server instances get consecutive sequences.
func (s *PostgresStore) Append(ctx context.Context, documentID string, build BuildFunc) (Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, documentID); err != nil {
		return Version{}, fmt.Errorf("lock %s: %w", documentID, err)
	}

	var prev *Version
	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY sequence DESC LIMIT 1`, documentID)
	last, err := scanVersion(row)
	switch {
	case err == nil:
		prev = &last
	case errors.Is(err, ErrNotFound):
	default:
		return Version{}, err
	}

	v, err := build(prev)
	if err != nil {
		return Version{}, err
	}
	v.DocumentID = documentID
	v.Sequence = 1
	if prev != nil {
		v.Sequence = prev.Sequence + 1
	}

	_, err = tx.Exec(ctx, `INSERT INTO document_versions
		(id, document_id, sequence, content, diff, author, restored_from, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.DocumentID, v.Sequence, v.Content, v.Diff, v.Author, v.RestoredFrom, v.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert version %s/%d: %w", documentID, v.Sequence, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("commit: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) Get(ctx context.Context, documentID string, seq int) (Version, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM document_versions
		WHERE document_id = $1 AND sequence = $2`, documentID, seq)
	return scanVersion(row)
}

func (s *PostgresStore) List(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM document_versions
		WHERE document_id = $1 ORDER BY sequence`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", documentID, err)
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	err := row.Scan(&v.ID, &v.DocumentID, &v.Sequence, &v.Content, &v.Diff, &v.Author, &v.RestoredFrom, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, fmt.Errorf("scan version: %w", err)
	}
	return v, nil
}
