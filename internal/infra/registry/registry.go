package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"unimcp/internal/domain"
)

// Options configures a Registry.
type Options struct {
	Logger *zap.Logger
	Events domain.SourceEventEmitter
}

// Registry holds sources in registration order. Sources are never removed.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	sources map[string]domain.Source
	logger  *zap.Logger
	events  domain.SourceEventEmitter
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sources: make(map[string]domain.Source),
		logger:  logger.Named("registry"),
		events:  opts.Events,
	}
}

// Register validates src and appends it. Duplicate ids are rejected.
func (r *Registry) Register(src domain.Source) error {
	if err := src.Validate(); err != nil {
		return domain.Wrap(domain.CodeInvalidArgument, "registry.Register", err)
	}

	r.mu.Lock()
	if _, exists := r.sources[src.ID]; exists {
		r.mu.Unlock()
		return domain.E(domain.CodeAlreadyExists, "registry.Register", fmt.Sprintf("source %q already registered", src.ID), domain.ErrDuplicateSource)
	}
	r.sources[src.ID] = src
	r.order = append(r.order, src.ID)
	r.mu.Unlock()

	r.logger.Info("source registered",
		zap.String("source", src.ID),
		zap.String("type", string(src.Kind())),
		zap.Bool("enabled", src.Enabled),
	)
	if r.events != nil {
		r.events.EmitSourceEvent(domain.SourceEvent{Kind: domain.SourceEventAdded, SourceID: src.ID})
	}
	return nil
}

func (r *Registry) Get(id string) (domain.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	return src, ok
}

// All returns a snapshot in registration order.
func (r *Registry) All() []domain.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

var (
	_ domain.SourceLookup    = (*Registry)(nil)
	_ domain.SourceRegistrar = (*Registry)(nil)
)
