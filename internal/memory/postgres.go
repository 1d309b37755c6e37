package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the chat transcript in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS chat_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_entries_session_created ON chat_entries (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const entryColumns = `id, session_id, kind, content, tool_name, call_id, arguments, created_at`

func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID,
		entry.SessionID,
		string(entry.Kind),
		entry.Content,
		entry.ToolName,
		entry.CallID,
		entry.Arguments,
		entry.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("append chat entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM chat_entries WHERE id=$1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get chat entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM chat_entries WHERE session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var kind string
	if err := row.Scan(&e.ID, &e.SessionID, &kind, &e.Content, &e.ToolName, &e.CallID, &e.Arguments, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Kind = Kind(kind)
	return e, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
