package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/pkg/chat"
)

// Schema is the SQL DDL for the message_outcomes table. Execute it via
// [PostgresLog.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS message_outcomes (
    id          BIGSERIAL PRIMARY KEY,
    request_id  TEXT NOT NULL,
    provider    TEXT NOT NULL DEFAULT '',
    source      TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    kind        TEXT NOT NULL DEFAULT 'unknown',
    attempts    INTEGER NOT NULL DEFAULT 0,
    elapsed_ms  BIGINT NOT NULL DEFAULT 0,
    stages      JSONB NOT NULL DEFAULT '[]',
    has_image   BOOLEAN NOT NULL DEFAULT false,
    page_host   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_message_outcomes_created ON message_outcomes(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_message_outcomes_request ON message_outcomes(request_id);
`

// DB is the database interface used by [PostgresLog]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLog is a [Log] backed by PostgreSQL.
type PostgresLog struct {
	db   DB
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLog creates a log over db. The caller is responsible for
// calling [PostgresLog.Migrate] before recording.
func NewPostgresLog(db DB) *PostgresLog {
	return &PostgresLog{db: db, now: time.Now}
}

// Open connects to dsn, verifies the connection, and migrates the schema.
// maxConns caps the pool; zero keeps the pgx default.
func Open(ctx context.Context, dsn string, maxConns int32) (*PostgresLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("auditlog: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("auditlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("auditlog: ping: %w", err)
	}

	l := NewPostgresLog(pool)
	l.pool = pool
	if err := l.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// Migrate executes the [Schema] DDL.
func (l *PostgresLog) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("auditlog: migrate: %w", err)
	}
	return nil
}

// Record implements Log.
func (l *PostgresLog) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	stages := e.Stages
	if stages == nil {
		stages = []chat.StageResult{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("auditlog: marshal stages: %w", err)
	}

	const query = `
		INSERT INTO message_outcomes (
			request_id, provider, source, model, outcome, kind,
			attempts, elapsed_ms, stages, has_image, page_host, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	_, err = l.db.Exec(ctx, query,
		e.RequestID, string(e.Provider), string(e.Source), e.Model, e.Outcome, e.Kind.String(),
		e.Attempts, e.Elapsed.Milliseconds(), stagesJSON, e.HasImage, e.PageHost, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record: %w", err)
	}
	return nil
}

// Recent implements Log.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultMemoryCapacity
	}
	const query = `
		SELECT request_id, provider, source, model, outcome, kind,
		       attempts, elapsed_ms, stages, has_image, page_host, created_at
		FROM message_outcomes
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := l.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                          Entry
			provider, source, kindName string
			elapsedMs                  int64
			stagesJSON                 []byte
		)
		if err := rows.Scan(
			&e.RequestID, &provider, &source, &e.Model, &e.Outcome, &kindName,
			&e.Attempts, &elapsedMs, &stagesJSON, &e.HasImage, &e.PageHost, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Provider = chat.ProviderID(provider)
		e.Source = chat.ProviderID(source)
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		if err := e.Kind.UnmarshalText([]byte(kindName)); err != nil {
			e.Kind = chat.KindUnknown
		}
		if len(stagesJSON) > 0 {
			if err := json.Unmarshal(stagesJSON, &e.Stages); err != nil {
				return nil, fmt.Errorf("auditlog: decode stages of %s: %w", e.RequestID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditlog: recent rows: %w", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (l *PostgresLog) Ping(ctx context.Context) error {
	if l.pool != nil {
		return l.pool.Ping(ctx)
	}
	_, err := l.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the pool opened by [Open]. It is a no-op for logs created
// with NewPostgresLog.
func (l *PostgresLog) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

var _ Log = (*PostgresLog)(nil)
