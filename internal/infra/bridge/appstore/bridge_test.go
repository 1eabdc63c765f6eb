package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unimcp/internal/domain"
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

type fakeAPI struct {
	t      *testing.T
	key    *ecdsa.PrivateKey
	server *httptest.Server

	mu       sync.Mutex
	paths    []string
	tokens   []string
	status   int
	response string
}

func newFakeAPI(t *testing.T, key *ecdsa.PrivateKey) *fakeAPI {
	api := &fakeAPI{t: t, key: key, status: http.StatusOK, response: `{"data":[{"id":"1","type":"apps"}]}`}
	api.server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		return &a.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithAudience(audience))
	if err != nil || !token.Valid {
		http.Error(w, `{"errors":[{"status":"401","title":"Unauthorized","detail":"bad token"}]}`, http.StatusUnauthorized)
		return
	}
	a.mu.Lock()
	a.paths = append(a.paths, r.URL.RequestURI())
	a.tokens = append(a.tokens, raw)
	status, response := a.status, a.response
	a.mu.Unlock()

	assert.Equal(a.t, "KEY123", token.Header["kid"])
	assert.Equal(a.t, "issuer-1", claims.Issuer)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func newTestBridge(t *testing.T, api *fakeAPI, pemBytes []byte, now func() time.Time) *Bridge {
	t.Helper()
	b, err := NewBridge(Options{
		Credentials: Credentials{KeyID: "KEY123", IssuerID: "issuer-1", PrivateKeyPEM: pemBytes},
		BaseURL:     api.server.URL,
		Now:         now,
	})
	require.NoError(t, err)
	return b
}

func TestBridge_ListApps(t *testing.T) {
	key, pemBytes := newKey(t)
	api := newFakeAPI(t, key)
	b := newTestBridge(t, api, pemBytes, nil)

	out, err := b.ExecuteTool(context.Background(), "list_apps", map[string]any{"limit": 5.0})
	require.NoError(t, err)
	envelope := out.(map[string]any)
	require.Equal(t, true, envelope["success"])
	require.Equal(t, []any{map[string]any{"id": "1", "type": "apps"}}, envelope["data"])
	require.Equal(t, []string{"/v1/apps?limit=5"}, api.paths)
	require.True(t, b.Status().Connected)
}

func TestBridge_RequestPaths(t *testing.T) {
	key, pemBytes := newKey(t)
	api := newFakeAPI(t, key)
	b := newTestBridge(t, api, pemBytes, nil)

	calls := []struct {
		tool string
		args map[string]any
	}{
		{tool: "get_app", args: map[string]any{"app_id": "42"}},
		{tool: "list_builds", args: map[string]any{"app_id": "42"}},
		{tool: "list_beta_groups", args: map[string]any{"app_id": "42"}},
		{tool: "list_beta_testers", args: map[string]any{"beta_group_id": "g1", "limit": 10.0}},
	}
	for _, call := range calls {
		_, err := b.ExecuteTool(context.Background(), call.tool, call.args)
		require.NoError(t, err, call.tool)
	}

	require.Equal(t, []string{
		"/v1/apps/42",
		"/v1/builds?filter%5Bapp%5D=42&limit=50&sort=-uploadedDate",
		"/v1/betaGroups?filter%5Bapp%5D=42",
		"/v1/betaTesters?filter%5BbetaGroups%5D=g1&limit=10",
	}, api.paths)
}

func TestBridge_TokenCachedUntilNearExpiry(t *testing.T) {
	key, pemBytes := newKey(t)
	api := newFakeAPI(t, key)
	current := time.Now()
	b := newTestBridge(t, api, pemBytes, func() time.Time { return current })

	first, err := b.Token()
	require.NoError(t, err)

	current = current.Add(18 * time.Minute)
	second, err := b.Token()
	require.NoError(t, err)
	require.Equal(t, first, second)

	current = current.Add(90 * time.Second)
	third, err := b.Token()
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestBridge_APIErrorSurfaces(t *testing.T) {
	key, pemBytes := newKey(t)
	api := newFakeAPI(t, key)
	api.status = http.StatusNotFound
	api.response = `{"errors":[{"status":"404","title":"Not Found","detail":"no such app"}]}`
	b := newTestBridge(t, api, pemBytes, nil)

	_, err := b.ExecuteTool(context.Background(), "get_app", map[string]any{"app_id": "missing"})
	var upstream *domain.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, "Not Found: no such app", upstream.Message)
}

func TestBridge_RejectedTokenMarksDisconnected(t *testing.T) {
	_, pemBytes := newKey(t)
	other, _ := newKey(t)
	api := newFakeAPI(t, other)
	b := newTestBridge(t, api, pemBytes, nil)
	require.True(t, b.Status().Connected)

	_, err := b.ExecuteTool(context.Background(), "list_apps", nil)
	require.Error(t, err)
	require.False(t, b.Status().Connected)
}

func TestBridge_RecoversAfterAuthCooldown(t *testing.T) {
	key, pemBytes := newKey(t)
	other, _ := newKey(t)
	api := newFakeAPI(t, other)
	now := time.Unix(1_700_000_000, 0)
	b := newTestBridge(t, api, pemBytes, func() time.Time { return now })

	_, err := b.ExecuteTool(context.Background(), "list_apps", nil)
	require.Error(t, err)
	status := b.Status()
	require.False(t, status.Connected)
	require.Contains(t, status.Detail["lastError"], "bad token")

	// The key is accepted again, e.g. after it was re-enabled upstream.
	api.mu.Lock()
	api.key = key
	api.mu.Unlock()

	now = now.Add(authCooldown / 2)
	require.False(t, b.Status().Connected, "still cooling down")

	now = now.Add(authCooldown / 2)
	status = b.Status()
	require.True(t, status.Connected)
	require.NotContains(t, status.Detail, "lastError")
	require.Equal(t, now.Add(tokenLifetime).UTC().Format(time.RFC3339), status.Detail["tokenExpiresAt"])

	_, err = b.ExecuteTool(context.Background(), "list_apps", nil)
	require.NoError(t, err)
	require.True(t, b.Status().Connected)
}

func TestBridge_ValidationFailureIsRejected(t *testing.T) {
	key, pemBytes := newKey(t)
	api := newFakeAPI(t, key)
	b := newTestBridge(t, api, pemBytes, nil)

	out, err := b.ExecuteTool(context.Background(), "get_app", map[string]any{})
	require.Nil(t, out)
	var upstream *domain.UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Contains(t, upstream.Message, "invalid arguments for get_app")
	require.Empty(t, api.paths)
}

func TestBridge_WithoutCredentials(t *testing.T) {
	b, err := NewBridge(Options{})
	require.NoError(t, err)
	require.False(t, b.Status().Connected)
	require.Len(t, b.Tools(), 5)

	_, err = b.ExecuteTool(context.Background(), "list_apps", nil)
	require.ErrorIs(t, err, domain.ErrSourceDisabled)
}

func TestBridge_BadKey(t *testing.T) {
	_, err := NewBridge(Options{Credentials: Credentials{KeyID: "k", IssuerID: "i", PrivateKeyPEM: []byte("not a key")}})
	require.Error(t, err)
}
