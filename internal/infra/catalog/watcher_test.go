package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimcp/internal/domain"
)

func TestAppendWatcher_ReportsOnlyNewIDs(t *testing.T) {
	path := writeTempTable(t, `
sources:
  - id: memory
    url: http://memory
`)
	watcher := NewAppendWatcher(newTestLoader(), path, []string{"memory"}, zap.NewNop())
	watcher.debounce = 20 * time.Millisecond

	added := make(chan []domain.SourceSpec, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx, func(specs []domain.SourceSpec) []string {
			added <- specs
			return ids(specs)
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
sources:
  - id: memory
    url: http://memory-moved
  - id: notes
    url: http://notes
`), 0o600))

	select {
	case specs := <-added:
		require.Len(t, specs, 1)
		require.Equal(t, "notes", specs[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no append reported")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestAppendWatcher_InvalidReloadIgnored(t *testing.T) {
	path := writeTempTable(t, "sources: []\n")
	loader := newTestLoader()
	watcher := NewAppendWatcher(loader, path, nil, nil)

	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: bad_id\n    url: http://x\n"), 0o600))
	require.Empty(t, watcher.reload(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: good\n    url: http://x\n"), 0o600))
	added := watcher.reload(context.Background())
	require.Len(t, added, 1)
	require.Len(t, watcher.reload(context.Background()), 1, "unregistered entries stay pending")

	watcher.remember(ids(added))
	require.Empty(t, watcher.reload(context.Background()))
}

func TestAppendWatcher_RetriesFailedRegistration(t *testing.T) {
	path := writeTempTable(t, "sources:\n  - id: notes\n    url: http://notes\n")
	watcher := NewAppendWatcher(newTestLoader(), path, nil, nil)

	var offered [][]string
	failNotes := true
	onAppend := func(specs []domain.SourceSpec) []string {
		offered = append(offered, ids(specs))
		var registered []string
		for _, spec := range specs {
			if spec.ID == "notes" && failNotes {
				continue
			}
			registered = append(registered, spec.ID)
		}
		return registered
	}

	watcher.apply(context.Background(), onAppend)

	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - id: notes\n    url: http://notes\n  - id: docs\n    url: http://docs\n"), 0o600))
	watcher.apply(context.Background(), onAppend)

	failNotes = false
	watcher.apply(context.Background(), onAppend)
	watcher.apply(context.Background(), onAppend)

	require.Equal(t, [][]string{{"notes"}, {"notes", "docs"}, {"notes"}}, offered)
}

func ids(specs []domain.SourceSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.ID)
	}
	return out
}
