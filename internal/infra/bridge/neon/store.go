package neon

import (
	"context"
	"errors"
	"time"
)

// ErrMemoryNotFound is returned when no memory has the requested id.
var ErrMemoryNotFound = errors.New("memory not found")

// Memory is one stored note.
type Memory struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	MemoryType string         `json:"memory_type"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// MemoryPatch carries optional field updates.
type MemoryPatch struct {
	Title      *string
	Content    *string
	MemoryType *string
	Tags       []string
	Metadata   map[string]any
}

// ListFilter narrows list_memories.
type ListFilter struct {
	MemoryType string
	Limit      int
	Offset     int
}

// PoolStats summarises the connection pool for status reporting.
type PoolStats struct {
	TotalConns    int32 `json:"totalConns"`
	IdleConns     int32 `json:"idleConns"`
	AcquiredConns int32 `json:"acquiredConns"`
	MaxConns      int32 `json:"maxConns"`
}

// Store persists memories.
type Store interface {
	Create(ctx context.Context, memory Memory) (Memory, error)
	Get(ctx context.Context, id string) (Memory, error)
	List(ctx context.Context, filter ListFilter) ([]Memory, error)
	Search(ctx context.Context, query string, limit int) ([]Memory, error)
	Update(ctx context.Context, id string, patch MemoryPatch) (Memory, error)
	Delete(ctx context.Context, id string) error
	Healthy(ctx context.Context) bool
	Stats() PoolStats
	Close()
}
