// Package neon exposes a Postgres-backed memory store as gateway tools.
package neon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/bridge"
)

const (
	Name = "neon"

	defaultListLimit   = 20
	defaultSearchLimit = 10
	defaultMemoryType  = "context"
)

var memoryTypes = []string{"context", "decision", "task", "note", "reference", "conversation"}

var tools = bridge.NewToolset(
	bridge.ToolDef{
		Name:        "create_memory",
		Description: "Store a new memory",
		Schema: bridge.Object([]string{"title", "content"}, map[string]*jsonschema.Schema{
			"title":       bridge.String("Short title"),
			"content":     bridge.String("Memory body"),
			"memory_type": bridge.Enum("Kind of memory", memoryTypes...),
			"tags":        bridge.StringArray("Free-form tags"),
			"metadata":    {Type: "object", Description: "Arbitrary JSON metadata"},
		}),
	},
	bridge.ToolDef{
		Name:        "get_memory",
		Description: "Fetch a memory by id",
		Schema: bridge.Object([]string{"id"}, map[string]*jsonschema.Schema{
			"id": bridge.String("Memory id"),
		}),
	},
	bridge.ToolDef{
		Name:        "list_memories",
		Description: "List recent memories, optionally filtered by type",
		Schema: bridge.Object(nil, map[string]*jsonschema.Schema{
			"memory_type": bridge.Enum("Kind of memory", memoryTypes...),
			"limit":       bridge.Integer("Maximum results", 1, 100),
			"offset":      bridge.Integer("Results to skip", 0, 1e6),
		}),
	},
	bridge.ToolDef{
		Name:        "search_memories",
		Description: "Search memories by title, content or tag",
		Schema: bridge.Object([]string{"query"}, map[string]*jsonschema.Schema{
			"query": bridge.String("Search text"),
			"limit": bridge.Integer("Maximum results", 1, 100),
		}),
	},
	bridge.ToolDef{
		Name:        "update_memory",
		Description: "Update fields of an existing memory",
		Schema: bridge.Object([]string{"id"}, map[string]*jsonschema.Schema{
			"id":          bridge.String("Memory id"),
			"title":       bridge.String("New title"),
			"content":     bridge.String("New body"),
			"memory_type": bridge.Enum("Kind of memory", memoryTypes...),
			"tags":        bridge.StringArray("Replacement tags"),
			"metadata":    {Type: "object", Description: "Replacement metadata"},
		}),
	},
	bridge.ToolDef{
		Name:        "delete_memory",
		Description: "Delete a memory by id",
		Schema: bridge.Object([]string{"id"}, map[string]*jsonschema.Schema{
			"id": bridge.String("Memory id"),
		}),
	},
)

// reopenInterval spaces attempts to open an unreachable database.
const reopenInterval = 5 * time.Second

var errBridgeClosed = errors.New("bridge closed")

// Opener connects a Store.
type Opener func(ctx context.Context) (Store, error)

// Bridge adapts a memory Store to the gateway bridge contract. Argument and
// not-found failures are rejected with the bridge's message; store failures
// are returned as-is.
type Bridge struct {
	logger     *zap.Logger
	open       Opener
	retryEvery time.Duration
	now        func() time.Time

	mu       sync.Mutex
	store    Store
	lastOpen time.Time
	openErr  error
	closed   bool
}

func NewBridge(store Store, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:      store,
		logger:     logger.Named("neon_bridge"),
		retryEvery: reopenInterval,
		now:        time.Now,
	}
}

// NewLazyBridge opens its store on first use and keeps retrying, at most once
// per reopen interval, while the database is unreachable.
func NewLazyBridge(open Opener, logger *zap.Logger) *Bridge {
	b := NewBridge(nil, logger)
	b.open = open
	return b
}

// Open connects the store now instead of on first use. A failure leaves the
// bridge retrying later.
func (b *Bridge) Open(ctx context.Context) error {
	_, err := b.current(ctx)
	return err
}

func (b *Bridge) Name() string { return Name }

func (b *Bridge) Tools() []domain.Tool {
	return tools.Tools()
}

func (b *Bridge) Status() domain.BridgeStatus {
	ctx := context.Background()
	store, err := b.current(ctx)
	if store == nil {
		detail := map[string]any{"reason": "no database configured"}
		switch {
		case errors.Is(err, errBridgeClosed):
			detail["reason"] = "closed"
		case err != nil:
			detail["reason"] = "database unreachable"
			detail["lastError"] = err.Error()
		}
		return domain.BridgeStatus{Connected: false, Detail: detail}
	}
	return domain.BridgeStatus{
		Connected: store.Healthy(ctx),
		Detail:    map[string]any{"pool": store.Stats()},
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.store != nil {
		b.store.Close()
	}
	return nil
}

func (b *Bridge) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if !tools.Has(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
	store, err := b.current(ctx)
	if store == nil {
		if b.open == nil || errors.Is(err, errBridgeClosed) {
			return nil, domain.E(domain.CodeUnavailable, "neon.ExecuteTool", "database not configured", domain.ErrSourceDisabled)
		}
		return nil, domain.E(domain.CodeUnavailable, "neon.ExecuteTool", "database unreachable", err)
	}
	if err := tools.Validate(name, args); err != nil {
		return nil, bridge.Rejected(err.Error())
	}

	data, err := b.execute(ctx, store, name, args)
	if errors.Is(err, ErrMemoryNotFound) {
		return nil, bridge.Rejected(ErrMemoryNotFound.Error())
	}
	if err != nil {
		b.logger.Warn("memory operation failed", zap.String("tool", name), zap.Error(err))
		return nil, err
	}
	return bridge.Success(data), nil
}

// current returns the open store, trying the opener when there is none yet.
func (b *Bridge) current(ctx context.Context) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return nil, errBridgeClosed
	case b.store != nil:
		return b.store, nil
	case b.open == nil:
		return nil, nil
	case !b.lastOpen.IsZero() && b.now().Sub(b.lastOpen) < b.retryEvery:
		return nil, b.openErr
	}

	b.lastOpen = b.now()
	store, err := b.open(ctx)
	if err != nil {
		if b.openErr == nil {
			b.logger.Warn("database unreachable", zap.Error(err))
		}
		b.openErr = err
		return nil, err
	}
	if b.openErr != nil {
		b.logger.Info("database reachable again")
	}
	b.store, b.openErr = store, nil
	return store, nil
}

func (b *Bridge) execute(ctx context.Context, store Store, name string, args map[string]any) (any, error) {
	switch name {
	case "create_memory":
		memoryType := bridge.StringArg(args, "memory_type")
		if memoryType == "" {
			memoryType = defaultMemoryType
		}
		return store.Create(ctx, Memory{
			ID:         uuid.NewString(),
			Title:      bridge.StringArg(args, "title"),
			Content:    bridge.StringArg(args, "content"),
			MemoryType: memoryType,
			Tags:       bridge.StringsArg(args, "tags"),
			Metadata:   bridge.ObjectArg(args, "metadata"),
		})
	case "get_memory":
		return store.Get(ctx, bridge.StringArg(args, "id"))
	case "list_memories":
		return store.List(ctx, ListFilter{
			MemoryType: bridge.StringArg(args, "memory_type"),
			Limit:      bridge.IntArg(args, "limit", defaultListLimit),
			Offset:     bridge.IntArg(args, "offset", 0),
		})
	case "search_memories":
		query := strings.TrimSpace(bridge.StringArg(args, "query"))
		return store.Search(ctx, query, bridge.IntArg(args, "limit", defaultSearchLimit))
	case "update_memory":
		return store.Update(ctx, bridge.StringArg(args, "id"), MemoryPatch{
			Title:      bridge.OptionalString(args, "title"),
			Content:    bridge.OptionalString(args, "content"),
			MemoryType: bridge.OptionalString(args, "memory_type"),
			Tags:       bridge.StringsArg(args, "tags"),
			Metadata:   bridge.ObjectArg(args, "metadata"),
		})
	case "delete_memory":
		id := bridge.StringArg(args, "id")
		if err := store.Delete(ctx, id); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "deleted": true}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTool, name)
	}
}

var _ domain.Bridge = (*Bridge)(nil)
