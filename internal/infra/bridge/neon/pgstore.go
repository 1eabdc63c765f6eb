package neon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	content     TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'context',
	tags        TEXT[] NOT NULL DEFAULT '{}',
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const memoryColumns = `id, title, content, memory_type, tags, metadata, created_at, updated_at`

// PoolConfig sizes the Postgres pool.
type PoolConfig struct {
	URL            string
	MaxConns       int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	// MaxUses recycles a connection after this many checkouts.
	MaxUses int64
}

// PgStore keeps memories in Postgres. Every query borrows one pooled
// connection and releases it before returning.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	health *healthCache

	usesMu sync.Mutex
	uses   map[*pgx.Conn]int64
}

func NewPgStore(ctx context.Context, cfg PoolConfig, logger *zap.Logger) (*PgStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = domain.DefaultDBPoolMax
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = domain.DefaultDBPoolIdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = domain.DefaultDBPoolConnTimeout
	}
	if cfg.MaxUses <= 0 {
		cfg.MaxUses = domain.DefaultDBPoolMaxUses
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	store := &PgStore{
		logger: logger.Named("neon_store"),
		uses:   make(map[*pgx.Conn]int64),
	}
	poolCfg.AfterRelease = func(conn *pgx.Conn) bool {
		return store.recordUse(conn, cfg.MaxUses)
	}
	poolCfg.BeforeClose = func(conn *pgx.Conn) {
		store.usesMu.Lock()
		delete(store.uses, conn)
		store.usesMu.Unlock()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	store.pool = pool
	store.health = newHealthCache(pool.Ping)

	initCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := store.exec(initCtx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare schema: %w", err)
	}
	store.health.mark(true)
	return store, nil
}

// recordUse returns false once conn has been checked out MaxUses times, which
// makes the pool destroy it.
func (s *PgStore) recordUse(conn *pgx.Conn, maxUses int64) bool {
	s.usesMu.Lock()
	defer s.usesMu.Unlock()
	s.uses[conn]++
	if s.uses[conn] >= maxUses {
		delete(s.uses, conn)
		return false
	}
	return true
}

// Healthy pings the pool at most once per second; query outcomes in
// between refresh the cached verdict.
func (s *PgStore) Healthy(ctx context.Context) bool {
	return s.health.Healthy(ctx)
}

func (s *PgStore) Stats() PoolStats {
	stat := s.pool.Stat()
	return PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) Create(ctx context.Context, memory Memory) (Memory, error) {
	var out Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO memories (id, title, content, memory_type, tags, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+memoryColumns,
			memory.ID, memory.Title, memory.Content, memory.MemoryType, nonNilTags(memory.Tags), nonNilMetadata(memory.Metadata),
		)
		var err error
		out, err = scanMemory(row)
		return err
	})
	return out, err
}

func (s *PgStore) Get(ctx context.Context, id string) (Memory, error) {
	var out Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
		var err error
		out, err = scanMemory(row)
		return err
	})
	return out, err
}

func (s *PgStore) List(ctx context.Context, filter ListFilter) ([]Memory, error) {
	var out []Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+memoryColumns+` FROM memories
			 WHERE ($1 = '' OR memory_type = $1)
			 ORDER BY created_at DESC
			 LIMIT $2 OFFSET $3`,
			filter.MemoryType, filter.Limit, filter.Offset,
		)
		if err != nil {
			return err
		}
		out, err = collectMemories(rows)
		return err
	})
	return out, err
}

func (s *PgStore) Search(ctx context.Context, query string, limit int) ([]Memory, error) {
	var out []Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+memoryColumns+` FROM memories
			 WHERE title ILIKE '%' || $1 || '%' OR content ILIKE '%' || $1 || '%' OR $1 = ANY(tags)
			 ORDER BY updated_at DESC
			 LIMIT $2`,
			query, limit,
		)
		if err != nil {
			return err
		}
		out, err = collectMemories(rows)
		return err
	})
	return out, err
}

func (s *PgStore) Update(ctx context.Context, id string, patch MemoryPatch) (Memory, error) {
	var out Memory
	err := s.withConn(ctx, func(conn *pgxpool.Conn) error {
		var tags any
		if patch.Tags != nil {
			tags = patch.Tags
		}
		var metadata any
		if patch.Metadata != nil {
			metadata = patch.Metadata
		}
		row := conn.QueryRow(ctx,
			`UPDATE memories SET
				title       = COALESCE($2, title),
				content     = COALESCE($3, content),
				memory_type = COALESCE($4, memory_type),
				tags        = COALESCE($5::text[], tags),
				metadata    = COALESCE($6::jsonb, metadata),
				updated_at  = now()
			 WHERE id = $1
			 RETURNING `+memoryColumns,
			id, patch.Title, patch.Content, patch.MemoryType, tags, metadata,
		)
		var err error
		out, err = scanMemory(row)
		return err
	})
	return out, err
}

func (s *PgStore) Delete(ctx context.Context, id string) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMemoryNotFound
		}
		return nil
	})
}

func (s *PgStore) exec(ctx context.Context, sql string) error {
	return s.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sql)
		return err
	})
}

// withConn borrows a connection for the duration of fn. A terminated-backend
// error resets the whole pool so later checkouts get fresh connections.
func (s *PgStore) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.health.mark(false)
		}
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	effect, err := classifyQueryError(fn(conn))
	switch effect {
	case effectHealthy:
		s.health.mark(true)
	case effectReset:
		s.health.mark(false)
		s.logger.Warn("database terminated connection, resetting pool",
			telemetry.EventField(telemetry.EventPoolReset),
			zap.String("code", codeAdminShutdown),
		)
		s.pool.Reset()
	}
	return err
}

func scanMemory(row pgx.Row) (Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.Title, &m.Content, &m.MemoryType, &m.Tags, &m.Metadata, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func collectMemories(rows pgx.Rows) ([]Memory, error) {
	defer rows.Close()
	out := make([]Memory, 0)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

var _ Store = (*PgStore)(nil)
