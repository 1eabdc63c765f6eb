package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

// Options configures an Aggregator.
type Options struct {
	Sources     domain.SourceLookup
	Peers       domain.PeerProvider
	HTTP        domain.HTTPSourceClient
	Metrics     domain.Metrics
	Logger      *zap.Logger
	Concurrency int
	Now         func() time.Time
}

// Aggregator builds the merged tool catalog. Every call re-queries the
// sources; the previous result is kept only for health reporting.
type Aggregator struct {
	sources     domain.SourceLookup
	peers       domain.PeerProvider
	http        domain.HTTPSourceClient
	metrics     domain.Metrics
	logger      *zap.Logger
	concurrency int
	now         func() time.Time

	last atomic.Value
}

type sourceResult struct {
	tools []domain.Tool
	state domain.SourceState
}

func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultAggregateConcurrent
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		sources:     opts.Sources,
		peers:       opts.Peers,
		http:        opts.HTTP,
		metrics:     metrics,
		logger:      logger.Named("aggregator"),
		concurrency: concurrency,
		now:         now,
	}
}

// Aggregate queries every source in parallel and merges the results in
// registration order. It never fails; unreachable sources are reported in
// the status map instead.
func (a *Aggregator) Aggregate(ctx context.Context) domain.Catalog {
	start := a.now()
	sources := a.sources.All()
	results := make([]sourceResult, len(sources))

	var group errgroup.Group
	group.SetLimit(a.concurrency)
	for i, src := range sources {
		group.Go(func() error {
			results[i] = a.collect(ctx, src)
			return nil
		})
	}
	_ = group.Wait()

	catalog := domain.Catalog{
		Tools:       make([]domain.NamespacedTool, 0),
		Sources:     make(map[string]domain.SourceState, len(sources)),
		SourceOrder: make([]string, 0, len(sources)),
		BuiltAt:     a.now(),
	}
	for i, src := range sources {
		res := results[i]
		seen := make(map[string]struct{}, len(res.tools))
		count := 0
		for _, tool := range res.tools {
			if tool.Name == "" {
				continue
			}
			if _, dup := seen[tool.Name]; dup {
				a.logger.Warn("duplicate tool name from source",
					telemetry.SourceField(src.ID),
					telemetry.ToolField(tool.Name),
				)
				continue
			}
			seen[tool.Name] = struct{}{}
			catalog.Tools = append(catalog.Tools, domain.Namespace(src.ID, tool))
			count++
		}
		res.state.ToolCount = count
		catalog.Sources[src.ID] = res.state
		catalog.SourceOrder = append(catalog.SourceOrder, src.ID)
		a.metrics.SetSourceStatus(src.ID, res.state.Status)
	}

	a.metrics.ObserveAggregation(a.now().Sub(start), len(catalog.Tools))
	a.last.Store(catalog)
	return catalog
}

// Last returns the most recent catalog, if any aggregation has run.
func (a *Aggregator) Last() (domain.Catalog, bool) {
	catalog, ok := a.last.Load().(domain.Catalog)
	return catalog, ok
}

func (a *Aggregator) collect(ctx context.Context, src domain.Source) (res sourceResult) {
	res.state = domain.SourceState{Name: src.DisplayName(), Type: src.Kind()}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("source listing panicked",
				telemetry.EventField(telemetry.EventPanicRecovered),
				telemetry.SourceField(src.ID),
				zap.Any("panic", r),
			)
			res.tools = nil
			res.state.Status = domain.StatusError
			res.state.Detail = fmt.Sprintf("panic: %v", r)
		}
	}()

	if !src.Enabled {
		res.state.Status = domain.StatusDisabled
		return res
	}

	switch access := src.Access.(type) {
	case domain.BridgeAccess:
		status := access.Bridge.Status()
		if !status.Connected {
			res.state.Status = domain.StatusOffline
			res.state.Detail = "bridge not connected"
			if reason, ok := status.Detail["reason"].(string); ok && reason != "" {
				res.state.Detail += ": " + reason
			}
			return res
		}
		res.tools = access.Bridge.Tools()
		res.state.Status = domain.StatusOnline
	case domain.WebSocketPeer:
		var (
			peer domain.PeerConnection
			ok   bool
		)
		if a.peers != nil {
			peer, ok = a.peers.Peer(src.ID)
		}
		switch {
		case !ok:
			res.state.Status = domain.StatusError
			res.state.Detail = "no peer connection"
		case peer.GaveUp():
			res.state.Status = domain.StatusError
			res.state.Detail = fmt.Sprintf("reconnect abandoned after %d attempts", peer.ReconnectAttempts())
		case !peer.Connected():
			res.state.Status = domain.StatusOffline
			res.state.Detail = "not connected"
		default:
			res.tools = peer.Tools()
			res.state.Status = domain.StatusOnline
		}
	case domain.HTTPEndpoint:
		tools, err := a.http.ListTools(ctx, access)
		if err != nil {
			a.logger.Warn("source listing failed",
				telemetry.EventField(telemetry.EventAggregateError),
				telemetry.SourceField(src.ID),
				zap.Error(err),
			)
			res.state.Status = domain.StatusOffline
			res.state.Detail = err.Error()
			return res
		}
		res.tools = tools
		res.state.Status = domain.StatusOnline
	default:
		res.state.Status = domain.StatusError
		res.state.Detail = fmt.Sprintf("unsupported access method %T", src.Access)
	}
	return res
}
