package catalog

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"unimcp/internal/domain"
)

const defaultReloadDebounce = 200 * time.Millisecond

// AppendWatcher reloads the source table when its file changes and reports
// entries whose ids are not registered yet. Removed or edited entries are
// ignored: sources live until the process exits. An entry that fails to
// register is offered again on the next change.
type AppendWatcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *zap.Logger
	known    map[string]struct{}
}

// NewAppendWatcher starts with registered as the ids already serving.
func NewAppendWatcher(loader *Loader, path string, registered []string, logger *zap.Logger) *AppendWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &AppendWatcher{
		loader:   loader,
		path:     path,
		debounce: defaultReloadDebounce,
		logger:   logger.Named("catalog_watch"),
		known:    make(map[string]struct{}, len(registered)),
	}
	w.remember(registered)
	return w
}

// AppendFunc registers new entries and returns the ids that are now served.
type AppendFunc func(specs []domain.SourceSpec) (registered []string)

// Run blocks until ctx is done, calling onAppend with the new entries after
// each debounced change. A table that fails to load is logged and skipped.
func (w *AppendWatcher) Run(ctx context.Context, onAppend AppendFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("source table watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			w.apply(ctx, onAppend)
		}
	}
}

// apply offers unregistered entries and remembers the ids that registered.
func (w *AppendWatcher) apply(ctx context.Context, onAppend AppendFunc) {
	if added := w.reload(ctx); len(added) > 0 {
		w.remember(onAppend(added))
	}
}

func (w *AppendWatcher) reload(ctx context.Context) []domain.SourceSpec {
	table, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Warn("source table reload failed", zap.String("path", w.path), zap.Error(err))
		return nil
	}
	var added []domain.SourceSpec
	for _, spec := range table.Sources {
		if _, ok := w.known[spec.ID]; ok {
			continue
		}
		added = append(added, spec)
	}
	if len(added) > 0 {
		w.logger.Info("source table has unregistered entries", zap.Int("count", len(added)))
	}
	return added
}

func (w *AppendWatcher) remember(ids []string) {
	for _, id := range ids {
		w.known[id] = struct{}{}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
