// Package app wires the gateway components and runs the serve, validate and
// sources commands.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unimcp/internal/domain"
	"unimcp/internal/infra/catalog"
	"unimcp/internal/infra/frontend"
	"unimcp/internal/infra/notifications"
	"unimcp/internal/infra/peer"
	"unimcp/internal/infra/registry"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	// ConfigPath is the optional YAML source table. Empty means the built-in
	// table of bridges.
	ConfigPath string
	Settings   Settings
}

type ValidateConfig struct {
	ConfigPath string
	Settings   Settings
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.Named("app"),
	}
}

// gateway holds the running components of one Serve call.
type gateway struct {
	logger   *zap.Logger
	hub      *notifications.SourceEventHub
	registry *registry.Registry
	peers    *peer.Manager
	settings Settings
	store    *catalog.SourceStore
	server   *frontend.Server
	watcher  *catalog.AppendWatcher

	bridgesMu sync.Mutex
	bridges   map[string]domain.Bridge
	closeOnce sync.Once
}

// Serve runs the gateway until ctx is cancelled.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	gw, err := a.build(ctx, cfg)
	if err != nil {
		return err
	}
	defer gw.close(context.Background())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return gw.server.Serve(groupCtx)
	})
	if gw.watcher != nil {
		group.Go(func() error {
			appendSources := func(specs []domain.SourceSpec) []string {
				return gw.appendSources(groupCtx, specs)
			}
			if err := gw.watcher.Run(groupCtx, appendSources); err != nil {
				gw.logger.Warn("source table watch stopped", zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (a *App) build(ctx context.Context, cfg ServeConfig) (*gateway, error) {
	logger := a.logger
	settings := cfg.Settings

	table, err := loadTable(ctx, logger, cfg.ConfigPath, settings)
	if err != nil {
		return nil, err
	}
	logger.Info("source table loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("sources", len(table.Sources)),
	)

	metricsRegistry := NewMetricsRegistry()
	metrics := NewMetrics(metricsRegistry)
	hub := NewSourceEventHub()

	gw := &gateway{
		logger:   logger,
		hub:      hub,
		registry: NewSourceRegistry(hub, logger),
		peers:    NewPeerManager(table.Reconnect, hub, metrics, logger),
		settings: settings,
		bridges:  openBridges(ctx, table, settings, logger),
	}
	registered := gw.register(ctx, table.Sources)

	var persister domain.SourcePersister
	if settings.StateFile != "" {
		store, err := catalog.OpenSourceStore(settings.StateFile)
		if err != nil {
			gw.close(ctx)
			return nil, err
		}
		gw.store = store
		persister = store
		persisted, err := store.LoadSources()
		if err != nil {
			gw.close(ctx)
			return nil, fmt.Errorf("load persisted sources: %w", err)
		}
		registered = append(registered, gw.register(ctx, persisted)...)
	}

	if cfg.ConfigPath != "" {
		gw.watcher = catalog.NewAppendWatcher(newLoader(logger), cfg.ConfigPath, registered, logger)
	}

	httpClient := NewHTTPSourceClient(logger)
	agg := NewAggregator(gw.registry, gw.peers, httpClient, metrics, logger)
	rt := NewRouter(gw.registry, gw.peers, httpClient, metrics, logger)

	gw.server = frontend.NewServer(frontend.Options{
		Catalog:   agg,
		Router:    rt,
		Registrar: gw.registry,
		Peers:     gw.peers,
		Persister: persister,
		Events:    hub,
		Metrics:   metrics,
		Gatherer:  metricsRegistry,
		APIKeys:   settings.APIKeys,
		Listeners: []frontend.Listener{
			{Name: "primary", Host: settings.Host, Port: settings.PrimaryPort, Enabled: settings.EnablePrimary},
			{Name: "fallback", Host: settings.Host, Port: settings.FallbackPort, Enabled: settings.EnableFallback},
		},
		Logger:         logger,
		BeforeShutdown: gw.close,
	})
	return gw, nil
}

// register binds and registers specs, attaching websocket peers, and returns
// the ids it registered. Entries that fail are logged and skipped so one bad
// source does not block the rest.
func (g *gateway) register(ctx context.Context, specs []domain.SourceSpec) []string {
	registered := make([]string, 0, len(specs))
	for _, spec := range specs {
		if err := g.registerOne(ctx, spec); err != nil {
			g.logger.Warn("source not registered", zap.String("source", spec.ID), zap.Error(err))
			continue
		}
		registered = append(registered, spec.ID)
	}
	return registered
}

func (g *gateway) registerOne(ctx context.Context, spec domain.SourceSpec) error {
	src, err := bindSource(spec, g.bridgesFor(ctx, spec))
	if err != nil {
		return err
	}
	if err := g.registry.Register(src); err != nil {
		return err
	}
	g.peers.Attach(src)
	return nil
}

// bridgesFor returns the open bridges, opening the one spec names if the
// startup table did not reference it.
func (g *gateway) bridgesFor(ctx context.Context, spec domain.SourceSpec) map[string]domain.Bridge {
	g.bridgesMu.Lock()
	defer g.bridgesMu.Unlock()
	if spec.Type == domain.AccessBridge {
		if _, ok := g.bridges[spec.Bridge]; !ok {
			table := domain.SourceTable{Sources: []domain.SourceSpec{spec}}
			for name, b := range openBridges(ctx, table, g.settings, g.logger) {
				g.bridges[name] = b
			}
		}
	}
	return maps.Clone(g.bridges)
}

// appendSources registers entries added to the watched table. Ids that the
// registry already serves count as settled so they are not offered again.
func (g *gateway) appendSources(ctx context.Context, specs []domain.SourceSpec) []string {
	settled := make([]string, 0, len(specs))
	added := 0
	for _, spec := range specs {
		err := g.registerOne(ctx, spec)
		switch {
		case err == nil:
			added++
			settled = append(settled, spec.ID)
		case errors.Is(err, domain.ErrDuplicateSource):
			settled = append(settled, spec.ID)
		default:
			g.logger.Warn("appended source not registered, will retry on next change", zap.String("source", spec.ID), zap.Error(err))
		}
	}
	g.logger.Info("appended sources registered", zap.Int("count", added), zap.Int("pending", len(specs)-len(settled)))
	return settled
}

// close releases bridges and peers, then the state store. It runs once,
// either from the server's shutdown sequence or when Serve returns.
func (g *gateway) close(context.Context) {
	g.closeOnce.Do(func() {
		g.bridgesMu.Lock()
		for name, b := range g.bridges {
			if err := b.Close(); err != nil {
				g.logger.Warn("bridge close failed", zap.String("bridge", name), zap.Error(err))
			}
		}
		g.bridgesMu.Unlock()
		if err := g.peers.Close(); err != nil {
			g.logger.Warn("peer shutdown failed", zap.Error(err))
		}
		if g.store != nil {
			if err := g.store.Close(); err != nil {
				g.logger.Warn("state store close failed", zap.Error(err))
			}
		}
	})
}

// ValidateConfig loads and validates the source table without serving.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	table, err := loadTable(ctx, a.logger, cfg.ConfigPath, cfg.Settings)
	if err != nil {
		return err
	}
	bridges := 0
	for _, spec := range table.Sources {
		if spec.Type == domain.AccessBridge {
			bridges++
		}
	}
	a.logger.Info("configuration validated",
		zap.String("config", cfg.ConfigPath),
		zap.Int("sources", len(table.Sources)),
		zap.Int("bridges", bridges),
	)
	return nil
}

type sourcesOutput struct {
	Reconnect domain.ReconnectConfig `json:"reconnect"`
	Sources   []domain.SourceSpec    `json:"sources"`
}

// Sources writes the effective source table as indented JSON.
func (a *App) Sources(ctx context.Context, cfg ValidateConfig, w io.Writer) error {
	if w == nil {
		return errors.New("output writer is required")
	}
	table, err := loadTable(ctx, a.logger, cfg.ConfigPath, cfg.Settings)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sourcesOutput{Reconnect: table.Reconnect, Sources: table.Sources})
}
