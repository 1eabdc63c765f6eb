package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unimcp/internal/domain"
)

func writeTempTable(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func newTestLoader() *Loader {
	return NewLoader(zap.NewNop(), "neon", "appstore")
}

func TestLoader_Success(t *testing.T) {
	path := writeTempTable(t, `
reconnect:
  maxAttempts: 5
sources:
  - id: memory
    name: Memory service
    url: http://localhost:4000/
    listPath: /api/tools
    callPath: /api/tools/call
    responseShape: direct
    toolCount: 12
    categories: [memory]
  - id: neon
    type: bridge
    bridge: neon
  - id: peer
    url: ws://localhost:7000/ws
    enabled: false
`)

	table, err := newTestLoader().Load(context.Background(), path)
	require.NoError(t, err)

	want := []domain.SourceSpec{
		{
			ID:            "memory",
			Name:          "Memory service",
			Type:          domain.AccessHTTP,
			URL:           "http://localhost:4000/",
			ListPath:      "/api/tools",
			CallPath:      "/api/tools/call",
			ResponseShape: "direct",
			Enabled:       true,
			ToolCount:     12,
			Categories:    []string{"memory"},
		},
		{ID: "neon", Type: domain.AccessBridge, Bridge: "neon", Enabled: true},
		{ID: "peer", Type: domain.AccessWebSocket, URL: "ws://localhost:7000/ws", Enabled: false},
	}
	if diff := cmp.Diff(want, table.Sources); diff != "" {
		t.Fatalf("sources mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, domain.ReconnectConfig{MaxAttempts: 5, BaseDelayMs: 1000}, table.Reconnect)
}

func TestLoader_EnvExpansion(t *testing.T) {
	t.Setenv("MEMORY_URL", "http://memory.internal")
	t.Setenv("MEMORY_ENABLED", "false")
	path := writeTempTable(t, `
reconnect:
  maxAttempts: ${PEER_ATTEMPTS:-2}
sources:
  - id: memory
    url: ${MEMORY_URL}
    enabled: ${MEMORY_ENABLED}
    name: "${MEMORY_NAME:-Memory}"
`)

	table, err := newTestLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "http://memory.internal", table.Sources[0].URL)
	require.False(t, table.Sources[0].Enabled)
	require.Equal(t, "Memory", table.Sources[0].Name)
	require.Equal(t, 2, table.Reconnect.MaxAttempts)
}

func TestExpandEnv_ReportsMissing(t *testing.T) {
	_, missing, err := expandEnv([]byte("a: ${UNIMCP_TEST_UNSET_B}\nb: ${UNIMCP_TEST_UNSET_A}\nc: ${UNIMCP_TEST_UNSET_C:-x}\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"UNIMCP_TEST_UNSET_A", "UNIMCP_TEST_UNSET_B"}, missing)
}

func TestExpandEnv_QuotedStaysString(t *testing.T) {
	t.Setenv("PORT_VALUE", "8080")
	out, _, err := expandEnv([]byte("quoted: \"${PORT_VALUE}\"\nplain: ${PORT_VALUE}\n"))
	require.NoError(t, err)
	require.Contains(t, out, `quoted: "8080"`)
	require.Contains(t, out, "plain: 8080")
}

func TestLoader_ValidationCollectsProblems(t *testing.T) {
	path := writeTempTable(t, `
sources:
  - id: bad_id
    url: http://x
  - id: dup
    url: http://a
  - id: dup
    url: http://b
  - id: nourl
    type: http
  - id: mystery
    type: bridge
    bridge: redis
  - id: odd
    type: carrier-pigeon
  - id: shape
    url: http://x
    callPath: /call
    responseShape: xml
`)

	_, err := newTestLoader().Load(context.Background(), path)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "sources[0]")
	require.Contains(t, msg, `duplicate id "dup"`)
	require.Contains(t, msg, "http url is required")
	require.Contains(t, msg, `unknown bridge "redis"`)
	require.Contains(t, msg, `unsupported type "carrier-pigeon"`)
	require.Contains(t, msg, "unknown response shape")
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := newTestLoader().Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read source table")

	_, err = newTestLoader().Load(context.Background(), "")
	require.Error(t, err)
}

func TestLoader_EmptyTableUsesDefaults(t *testing.T) {
	table, err := newTestLoader().Parse([]byte("sources: []\n"))
	require.NoError(t, err)
	require.Empty(t, table.Sources)
	require.Equal(t, domain.DefaultMaxReconnect, table.Reconnect.MaxAttempts)
}
