package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/DobryySoul/gossipstate/internal/envelope"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS envelopes (
	namespace  TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	timestamp  INTEGER NOT NULL,
	state      BLOB,
	public_key TEXT    NOT NULL,
	signature  TEXT    NOT NULL,
	PRIMARY KEY (namespace, id)
)`

// SQLiteStore persists envelopes in SQLite, scoped to one application namespace
// so several engines can share a database file.
type SQLiteStore struct {
	sqlDB     *sql.DB
	namespace string
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(path, namespace string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB, namespace: namespace}, nil
}

func (s *SQLiteStore) Set(ctx context.Context, id string, env envelope.Envelope) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO envelopes (namespace, id, timestamp, state, public_key, signature)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, id) DO UPDATE SET
		   timestamp = excluded.timestamp,
		   state = excluded.state,
		   public_key = excluded.public_key,
		   signature = excluded.signature`,
		s.namespace, id, env.Timestamp, env.State, env.PublicKey, env.Signature,
	)
	if err != nil {
		return fmt.Errorf("storage: set %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (envelope.Envelope, error) {
	if err := ctxErr(ctx); err != nil {
		return envelope.Envelope{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, timestamp, state, public_key, signature
		 FROM envelopes WHERE namespace = ? AND id = ?`,
		s.namespace, id,
	)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return envelope.Envelope{}, ErrNotFound
	}
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("storage: get %q: %w", id, err)
	}
	return env, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]envelope.Envelope, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, timestamp, state, public_key, signature
		 FROM envelopes WHERE namespace = ? ORDER BY id`,
		s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM envelopes WHERE namespace = ? AND id = ?`, s.namespace, id,
	); err != nil {
		return fmt.Errorf("storage: remove %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM envelopes WHERE namespace = ?`, s.namespace,
	); err != nil {
		return fmt.Errorf("storage: clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM envelopes WHERE namespace = ?`, s.namespace,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count: %w", err)
	}
	return n, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := row.Scan(&env.ID, &env.Timestamp, &env.State, &env.PublicKey, &env.Signature); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}
