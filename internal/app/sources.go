package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/bridge/appstore"
	"unimcp/internal/infra/bridge/neon"
	"unimcp/internal/infra/catalog"
)

// knownBridges lists the bridge names a source table may reference.
var knownBridges = []string{neon.Name, appstore.Name}

func newLoader(logger *zap.Logger) *catalog.Loader {
	return catalog.NewLoader(logger, knownBridges...)
}

// defaultTable is used when no source table file is given. Each bridge is
// enabled only when its backend is configured.
func defaultTable(settings Settings) domain.SourceTable {
	return domain.SourceTable{
		Reconnect: domain.ReconnectConfig{
			MaxAttempts: domain.DefaultMaxReconnect,
			BaseDelayMs: int(domain.DefaultReconnectBaseDelay.Milliseconds()),
		},
		Sources: []domain.SourceSpec{
			{
				ID:         neon.Name,
				Name:       "Neon memory",
				Type:       domain.AccessBridge,
				Bridge:     neon.Name,
				Enabled:    settings.DatabaseConfigured(),
				Categories: []string{"memory", "database"},
			},
			{
				ID:         appstore.Name,
				Name:       "App Store Connect",
				Type:       domain.AccessBridge,
				Bridge:     appstore.Name,
				Enabled:    settings.AppStore.Complete(),
				Categories: []string{"apple", "distribution"},
			},
		},
	}
}

// loadTable reads the table at path, or builds the default one.
func loadTable(ctx context.Context, logger *zap.Logger, path string, settings Settings) (domain.SourceTable, error) {
	if path == "" {
		table := defaultTable(settings)
		if err := newLoader(logger).Validate(table); err != nil {
			return domain.SourceTable{}, err
		}
		return table, nil
	}
	return newLoader(logger).Load(ctx, path)
}

// openBridges constructs every bridge the table references. A backend that
// cannot be reached leaves its bridge disconnected rather than failing start.
func openBridges(ctx context.Context, table domain.SourceTable, settings Settings, logger *zap.Logger) map[string]domain.Bridge {
	wanted := make(map[string]bool)
	for _, spec := range table.Sources {
		if spec.Type == domain.AccessBridge {
			wanted[spec.Bridge] = wanted[spec.Bridge] || spec.Enabled
		}
	}

	bridges := make(map[string]domain.Bridge, len(wanted))
	if enabled, ok := wanted[neon.Name]; ok {
		if enabled && settings.DatabaseConfigured() {
			b := neon.NewLazyBridge(func(ctx context.Context) (neon.Store, error) {
				return neon.NewPgStore(ctx, settings.Database, logger)
			}, logger)
			if err := b.Open(ctx); err != nil {
				logger.Warn("neon database unavailable, will retry", zap.Error(err))
			}
			bridges[neon.Name] = b
		} else {
			bridges[neon.Name] = neon.NewBridge(nil, logger)
		}
	}
	if _, ok := wanted[appstore.Name]; ok {
		b, err := appstore.NewBridge(appstore.Options{Credentials: settings.AppStore, Logger: logger})
		if err != nil {
			logger.Warn("app store connect credentials rejected", zap.Error(err))
			b, _ = appstore.NewBridge(appstore.Options{Logger: logger})
		}
		bridges[appstore.Name] = b
	}
	return bridges
}

// bindSource turns a spec into a Source, attaching the named bridge.
func bindSource(spec domain.SourceSpec, bridges map[string]domain.Bridge) (domain.Source, error) {
	if spec.Type != domain.AccessBridge {
		return spec.ToSource()
	}
	b, ok := bridges[spec.Bridge]
	if !ok {
		return domain.Source{}, fmt.Errorf("source %q: bridge %q is not available", spec.ID, spec.Bridge)
	}
	return spec.BindBridge(b)
}
