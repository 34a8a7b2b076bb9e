package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session records in PostgreSQL, one row per session.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
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
		`CREATE TABLE IF NOT EXISTS session_records (
			session_id TEXT PRIMARY KEY,
			history JSONB NOT NULL DEFAULT '[]'::jsonb,
			summary TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`ALTER TABLE session_records ADD COLUMN IF NOT EXISTS applied_keys JSONB NOT NULL DEFAULT '[]'::jsonb;`,
		`CREATE INDEX IF NOT EXISTS idx_session_records_updated ON session_records (updated_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (Record, error) {
	var (
		raw     []byte
		keys    []byte
		summary string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT history, summary, applied_keys FROM session_records WHERE session_id=$1`,
		sessionID,
	).Scan(&raw, &summary, &keys)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{History: []Turn{}}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: load session: %v", ErrUnavailable, err)
	}

	rec := Record{Summary: summary, History: []Turn{}}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec.History); err != nil {
			return Record{}, fmt.Errorf("decode history: %w", err)
		}
	}
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &rec.AppliedKeys); err != nil {
			return Record{}, fmt.Errorf("decode applied keys: %w", err)
		}
	}
	return rec, nil
}

func (s *PostgresStore) Save(ctx context.Context, sessionID string, record Record) error {
	history := record.History
	if history == nil {
		history = []Turn{}
	}
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	keys := record.AppliedKeys
	if keys == nil {
		keys = []string{}
	}
	rawKeys, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode applied keys: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_records (session_id, history, summary, applied_keys, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET
			history=EXCLUDED.history,
			summary=EXCLUDED.summary,
			applied_keys=EXCLUDED.applied_keys,
			updated_at=EXCLUDED.updated_at`,
		sessionID,
		raw,
		record.Summary,
		rawKeys,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: save session: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
