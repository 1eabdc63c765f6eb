package domain

import (
	"context"
	"encoding/json"
)

// BridgeStatus reports an in-process adapter's health.
type BridgeStatus struct {
	Connected bool           `json:"connected"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Bridge lets a non-MCP backend participate in aggregation and routing.
// Tools is synchronous and returns a list known at construction.
type Bridge interface {
	Name() string
	Tools() []Tool
	ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error)
	Status() BridgeStatus
	Close() error
}

// PeerConnection is the runtime view of a WebSocket peer. GaveUp reports the
// terminal state reached once reconnect attempts are exhausted.
type PeerConnection interface {
	Connected() bool
	Tools() []Tool
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	ReconnectAttempts() int
	GaveUp() bool
}

// PeerProvider resolves the connection for a websocket source.
type PeerProvider interface {
	Peer(sourceID string) (PeerConnection, bool)
}

// HTTPSourceClient performs list and call requests against HTTP sources.
type HTTPSourceClient interface {
	ListTools(ctx context.Context, endpoint HTTPEndpoint) ([]Tool, error)
	CallTool(ctx context.Context, endpoint HTTPEndpoint, name string, args map[string]any) (any, error)
}

// SourceLookup is the read side of the source registry.
type SourceLookup interface {
	Get(id string) (Source, bool)
	All() []Source
}

// SourceRegistrar is the write side of the source registry.
type SourceRegistrar interface {
	Register(src Source) error
}

// SourcePersister stores sources added at runtime.
type SourcePersister interface {
	SaveSource(spec SourceSpec) error
}
