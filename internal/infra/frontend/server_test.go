package frontend

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unimcp/internal/domain"
	"unimcp/internal/infra/notifications"
	"unimcp/internal/infra/registry"
	"unimcp/internal/infra/telemetry"
)

type recordingPeers struct {
	mu       sync.Mutex
	attached []string
}

func (p *recordingPeers) Attach(src domain.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, src.ID)
}

type recordingPersister struct {
	saved []domain.SourceSpec
}

func (p *recordingPersister) SaveSource(spec domain.SourceSpec) error {
	p.saved = append(p.saved, spec)
	return nil
}

type testServer struct {
	*Server
	registry  *registry.Registry
	peers     *recordingPeers
	persister *recordingPersister
	hub       *notifications.SourceEventHub
	http      *httptest.Server
}

func newTestServer(t *testing.T, keys []string, router ToolRouter) *testServer {
	t.Helper()
	hub := notifications.NewSourceEventHub()
	reg := registry.New(registry.Options{Events: hub})
	peers := &recordingPeers{}
	persister := &recordingPersister{}
	promRegistry := prometheus.NewRegistry()
	srv := NewServer(Options{
		Catalog:   &staticCatalog{catalog: sampleCatalog()},
		Router:    router,
		Registrar: reg,
		Peers:     peers,
		Persister: persister,
		Events:    hub,
		Metrics:   telemetry.NewPrometheusMetrics(promRegistry),
		Gatherer:  promRegistry,
		APIKeys:   keys,
		Listeners: []Listener{{Name: "primary", Port: 3000, Enabled: true}, {Name: "fallback", Port: 3001, Enabled: true}},
	})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &testServer{Server: srv, registry: reg, peers: peers, persister: persister, hub: hub, http: httpSrv}
}

func postJSON(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestServer_MCPRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())

	resp := postJSON(t, ts.http.URL+"/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"peer_echo","arguments":{}}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(telemetry.RequestIDHeader))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `peer_echo:{}`)
}

func TestServer_MCPNotificationAccepted(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())
	resp := postJSON(t, ts.http.URL+"/mcp", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServer_APIKeyEnforced(t *testing.T) {
	ts := newTestServer(t, []string{"master-key", "vibe-key"}, echoRouter())
	payload := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`

	resp := postJSON(t, ts.http.URL+"/mcp", payload, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Unauthorized", body["error"])
	require.NotEmpty(t, body["message"])

	resp = postJSON(t, ts.http.URL+"/mcp", payload, http.Header{"X-Api-Key": []string{"vibe-key"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.http.URL+"/mcp?apiKey=master-key", payload, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.http.URL+"/admin/add-source", `{"id":"x","url":"http://x"}`, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)

	health, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body.Status)
	require.Equal(t, domain.GatewayName, body.Service)
	require.Equal(t, map[string]int{"primary": 3000, "fallback": 3001}, body.Ports)
	require.Equal(t, 3, body.Sources)
	require.Equal(t, 2, body.ActiveSources)
	require.True(t, body.SourceDetails["neon"].Connected)
	require.False(t, body.SourceDetails["appstore"].Connected)
	require.Equal(t, domain.StatusDisabled, body.SourceDetails["appstore"].Status)
	require.GreaterOrEqual(t, body.UptimeSeconds, int64(0))
}

func TestServer_RootAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())

	resp, err := http.Get(ts.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var banner map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banner))
	require.Equal(t, domain.GatewayName, banner["service"])

	metrics, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)

	missing, err := http.Get(ts.http.URL + "/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServer_AddSource(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())

	resp := postJSON(t, ts.http.URL+"/admin/add-source", `{"id":"notes","url":"http://notes.local/","name":"Notes","categories":["docs"]}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	src, ok := ts.registry.Get("notes")
	require.True(t, ok)
	require.True(t, src.Enabled)
	require.Equal(t, domain.HTTPEndpoint{URL: "http://notes.local"}, src.Access)
	require.Equal(t, []string{"docs"}, src.Categories)
	require.Len(t, ts.persister.saved, 1)
	require.Equal(t, []string{"notes"}, ts.peers.attached)

	dup := postJSON(t, ts.http.URL+"/admin/add-source", `{"id":"notes","url":"http://other"}`, nil)
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	bad := postJSON(t, ts.http.URL+"/admin/add-source", `{"id":"has_underscore","url":"http://x"}`, nil)
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)

	missingURL := postJSON(t, ts.http.URL+"/admin/add-source", `{"id":"nourl"}`, nil)
	require.Equal(t, http.StatusBadRequest, missingURL.StatusCode)

	garbage := postJSON(t, ts.http.URL+"/admin/add-source", `{`, nil)
	require.Equal(t, http.StatusBadRequest, garbage.StatusCode)
	require.Equal(t, 1, ts.registry.Len())
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: domain.E(domain.CodeAlreadyExists, "registry.Register", "source already registered", domain.ErrDuplicateSource), want: http.StatusConflict},
		{err: domain.ErrDuplicateSource, want: http.StatusConflict},
		{err: domain.ErrInvalidSourceID, want: http.StatusBadRequest},
		{err: domain.ErrUnknownSource, want: http.StatusNotFound},
		{err: domain.ErrSourceDisabled, want: http.StatusPreconditionFailed},
		{err: domain.ErrPeerGaveUp, want: http.StatusServiceUnavailable},
		{err: domain.ErrRequestTimeout, want: http.StatusGatewayTimeout},
		{err: &domain.UpstreamError{Message: "boom"}, want: http.StatusInternalServerError},
		{err: io.ErrUnexpectedEOF, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}

func TestServer_RecoversHandlerPanic(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())
	ts.catalog = panickingCatalog{}

	resp, err := http.Get(ts.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type panickingCatalog struct{}

func (panickingCatalog) Aggregate(context.Context) domain.Catalog { panic("aggregate exploded") }

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func readReply(t *testing.T, conn *websocket.Conn) wireReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return decodeReply(t, data)
}

func TestWebSocket_ConcurrentRequestsMatchByID(t *testing.T) {
	release := make(chan struct{})
	router := routeFunc(func(_ context.Context, name string, _ map[string]any) (*mcp.CallToolResult, error) {
		if name == "slow_tool" {
			<-release
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name}}}, nil
	})
	ts := newTestServer(t, nil, router)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow_tool"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fast_tool"}}`)))

	first := readReply(t, conn)
	require.EqualValues(t, 2, first.ID)
	require.Contains(t, string(first.Result), "fast_tool")

	close(release)
	second := readReply(t, conn)
	require.EqualValues(t, 1, second.ID)
	require.Contains(t, string(second.Result), "slow_tool")
}

func TestWebSocket_BadFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	reply := readReply(t, conn)
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeInternal, reply.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":9,"method":"nope"}`)))
	reply = readReply(t, conn)
	require.EqualValues(t, domain.ErrCodeMethodNotFound, reply.Error.Code)
}

func TestWebSocket_ForwardsSourceEvents(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.hub.EmitSourceEvent(domain.SourceEvent{Kind: domain.SourceEventPeerConnected, SourceID: "peer"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var note struct {
		Method string `json:"method"`
		ID     any    `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &note))
	require.Equal(t, domain.NotificationToolListChanged, note.Method)
	require.Nil(t, note.ID)
}

func TestWebSocket_ClientGaugeAndCloseAll(t *testing.T) {
	ts := newTestServer(t, nil, echoRouter())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.ws.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	ts.ws.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
	require.Zero(t, ts.ws.Count())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func occupiedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestServe_SkipsPortInUseAndShutsDownInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	busy := occupiedPort(t)
	free := freePort(t)
	srv := NewServer(Options{
		Catalog: &staticCatalog{catalog: sampleCatalog()},
		Router:  echoRouter(),
		Listeners: []Listener{
			{Name: "primary", Host: "127.0.0.1", Port: busy, Enabled: true},
			{Name: "fallback", Host: "127.0.0.1", Port: free, Enabled: true},
		},
		BeforeShutdown: func(context.Context) {
			mu.Lock()
			order = append(order, "backends")
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("listeners not ready")
	}

	_, ok := srv.Addr("primary")
	assert.False(t, ok)
	addr, ok := srv.Addr("fallback")
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:"+strconv.Itoa(free), addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	require.Equal(t, []string{"backends"}, order)
}

func TestServe_AllPortsBusy(t *testing.T) {
	srv := NewServer(Options{
		Catalog: &staticCatalog{},
		Router:  echoRouter(),
		Listeners: []Listener{
			{Name: "primary", Host: "127.0.0.1", Port: occupiedPort(t), Enabled: true},
			{Name: "fallback", Host: "127.0.0.1", Port: occupiedPort(t), Enabled: true},
		},
	})
	err := srv.Serve(context.Background())
	require.ErrorContains(t, err, "no listener")
}

func TestServe_NonAddrInUseBindErrorIsFatal(t *testing.T) {
	srv := NewServer(Options{
		Catalog:   &staticCatalog{},
		Router:    echoRouter(),
		Listeners: []Listener{{Name: "primary", Host: "256.0.0.1", Port: 1, Enabled: true}},
	})
	err := srv.Serve(context.Background())
	require.Error(t, err)
	require.NotContains(t, err.Error(), "no listener")
}

func TestServe_DisabledListenersOnly(t *testing.T) {
	srv := NewServer(Options{
		Catalog:   &staticCatalog{},
		Router:    echoRouter(),
		Listeners: []Listener{{Name: "primary", Port: freePort(t), Enabled: false}},
	})
	require.Error(t, srv.Serve(context.Background()))
}
