package neon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// codeAdminShutdown is the Postgres code for a server-terminated connection.
	codeAdminShutdown = "57P01"

	healthTTL   = time.Second
	pingTimeout = 2 * time.Second
)

// healthCache remembers the last verdict for ttl so status polling does not
// ping the database on every aggregation.
type healthCache struct {
	ping    func(context.Context) error
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
}

func newHealthCache(ping func(context.Context) error) *healthCache {
	return &healthCache{ping: ping, ttl: healthTTL, timeout: pingTimeout, now: time.Now}
}

func (h *healthCache) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.checkedAt.IsZero() && h.now().Sub(h.checkedAt) < h.ttl {
		return h.healthy
	}
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	h.healthy = h.ping(pingCtx) == nil
	h.checkedAt = h.now()
	return h.healthy
}

func (h *healthCache) mark(healthy bool) {
	h.mu.Lock()
	h.healthy = healthy
	h.checkedAt = h.now()
	h.mu.Unlock()
}

type queryEffect int

const (
	effectNone queryEffect = iota
	effectHealthy
	effectReset
)

// classifyQueryError maps a query error to the error callers see and to its
// effect on pool health. A terminated backend poisons every pooled
// connection, so it asks for a reset.
func classifyQueryError(err error) (queryEffect, error) {
	if err == nil {
		return effectHealthy, nil
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrMemoryNotFound) {
		return effectHealthy, ErrMemoryNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeAdminShutdown {
		return effectReset, fmt.Errorf("database connection terminated: %w", err)
	}
	return effectNone, err
}
