package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists transcripts in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS histories (
			uid TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS history_entries (
			id TEXT PRIMARY KEY,
			history_uid TEXT NOT NULL REFERENCES histories(uid) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_histories_owner ON histories (owner, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_history_entries_uid_created ON history_entries (history_uid, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, owner string) (string, error) {
	uid := uuid.NewString()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO histories (uid, owner, updated_at) VALUES ($1, $2, $3)`,
		uid, owner, time.Now().UTC(),
	); err != nil {
		return "", fmt.Errorf("create history: %w", err)
	}
	return uid, nil
}

func (s *PostgresStore) Append(ctx context.Context, owner, historyUID, role, content string) (Entry, error) {
	e := newEntry(uuid.NewString(), historyUID, role, content, time.Now().UTC())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE histories SET updated_at=$3 WHERE uid=$1 AND owner=$2`,
			historyUID, owner, e.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO history_entries (id, history_uid, role, content, pii_redacted, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.HistoryUID, e.Role, e.Content, e.PIIRedacted, e.CreatedAt,
		)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("append history: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Recent(ctx context.Context, owner, historyUID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	if err := s.owned(ctx, owner, historyUID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, history_uid, role, content, pii_redacted, created_at
		 FROM history_entries WHERE history_uid=$1 ORDER BY created_at DESC LIMIT $2`,
		historyUID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.HistoryUID, &e.Role, &e.Content, &e.PIIRedacted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) List(ctx context.Context, owner string) ([]Info, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.uid, h.updated_at, COALESCE((
			SELECT e.content FROM history_entries e
			WHERE e.history_uid = h.uid ORDER BY e.created_at DESC LIMIT 1
		 ), '')
		 FROM histories h WHERE h.owner=$1 ORDER BY h.updated_at DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		if err := rows.Scan(&info.UID, &info.UpdatedAt, &info.Latest); err != nil {
			return nil, fmt.Errorf("scan history info: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate histories: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner, historyUID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM histories WHERE uid=$1 AND owner=$2`, historyUID, owner)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) owned(ctx context.Context, owner, historyUID string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM histories WHERE uid=$1 AND owner=$2`, historyUID, owner).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup history: %w", err)
	}
	return nil
}
