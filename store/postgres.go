package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bazelment/yoloswe/switchboard/confirm"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_refs (
	conversation_id TEXT NOT NULL,
	backend_id      TEXT NOT NULL,
	ref             TEXT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, backend_id)
);

CREATE TABLE IF NOT EXISTS confirmation_decisions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	decision        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS confirmation_decisions_conversation_idx
	ON confirmation_decisions (conversation_id, resolved_at DESC);
`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) SessionRef(ctx context.Context, convID, backendID string) (string, error) {
	var ref string
	err := s.pool.QueryRow(ctx, `
		SELECT ref FROM session_refs
		WHERE conversation_id = $1 AND backend_id = $2`,
		convID, backendID,
	).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session ref: %w", err)
	}
	return ref, nil
}

// SaveSessionRef upserts ref; an empty ref deletes the row.
func (s *Postgres) SaveSessionRef(ctx context.Context, convID, backendID, ref string) error {
	if ref == "" {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM session_refs WHERE conversation_id = $1 AND backend_id = $2`,
			convID, backendID,
		)
		if err != nil {
			return fmt.Errorf("delete session ref: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_refs (conversation_id, backend_id, ref, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (conversation_id, backend_id)
		DO UPDATE SET ref = EXCLUDED.ref, updated_at = now()`,
		convID, backendID, ref,
	)
	if err != nil {
		return fmt.Errorf("save session ref: %w", err)
	}
	return nil
}

// RecordDecision writes a resolved confirmation. Recording the same request
// twice keeps the first row.
func (s *Postgres) RecordDecision(ctx context.Context, req confirm.Request) error {
	d := decisionFrom(req)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO confirmation_decisions (id, conversation_id, tool_name, reason, decision, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.ConversationID, d.ToolName, d.Reason, d.Decision, d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (s *Postgres) RecentDecisions(ctx context.Context, convID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, tool_name, reason, decision, created_at, resolved_at
		FROM confirmation_decisions
		WHERE $1 = '' OR conversation_id = $1
		ORDER BY resolved_at DESC
		LIMIT $2`,
		convID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.ToolName, &d.Reason, &d.Decision, &d.CreatedAt, &d.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
