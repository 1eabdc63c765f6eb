package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"unimcp/internal/domain"
)

type staticCatalog struct {
	catalog domain.Catalog
	calls   int
}

func (c *staticCatalog) Aggregate(context.Context) domain.Catalog {
	c.calls++
	return c.catalog
}

type routeFunc func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

func (f routeFunc) Route(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return f(ctx, name, args)
}

func echoRouter() routeFunc {
	return func(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
		raw, _ := json.Marshal(args)
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: name + ":" + string(raw)}}}, nil
	}
}

func sampleCatalog() domain.Catalog {
	return domain.Catalog{
		Tools: []domain.NamespacedTool{
			{Name: "neon_create_memory", SourceID: "neon", RawName: "create_memory", Description: "Store a new memory", InputSchema: map[string]any{"type": "object"}},
			{Name: "peer_echo", SourceID: "peer", RawName: "echo"},
		},
		Sources: map[string]domain.SourceState{
			"neon":     {Name: "neon", Type: domain.AccessBridge, Status: domain.StatusOnline, ToolCount: 1},
			"peer":     {Name: "peer", Type: domain.AccessWebSocket, Status: domain.StatusOnline, ToolCount: 1},
			"appstore": {Name: "appstore", Type: domain.AccessBridge, Status: domain.StatusDisabled},
		},
		SourceOrder: []string{"neon", "peer", "appstore"},
	}
}

type wireReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeReply(t *testing.T, data []byte) wireReply {
	t.Helper()
	require.NotNil(t, data)
	var reply wireReply
	require.NoError(t, json.Unmarshal(data, &reply))
	require.Equal(t, "2.0", reply.JSONRPC)
	return reply
}

func newTestDispatcher(router ToolRouter) *Dispatcher {
	d := NewDispatcher(&staticCatalog{catalog: sampleCatalog()}, router, nil)
	d.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return d
}

func TestDispatcher_Initialize(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)))
	require.Nil(t, reply.Error)
	require.EqualValues(t, 1, reply.ID)

	var result domain.InitializeResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Equal(t, domain.DefaultProtocolVersion, result.ProtocolVersion)
	require.Equal(t, domain.GatewayName, result.ServerInfo.Name)
	require.Contains(t, result.Capabilities, "tools")
}

func TestDispatcher_ToolsListCarriesMeta(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)))
	require.Nil(t, reply.Error)
	require.Equal(t, "a", reply.ID)

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
		Meta ListMeta `json:"_meta"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	names := []string{result.Tools[0].Name, result.Tools[1].Name}
	if diff := cmp.Diff([]string{"neon_create_memory", "peer_echo"}, names); diff != "" {
		t.Fatalf("tool names mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]any{"type": "object"}, result.Tools[1].InputSchema)
	require.Equal(t, domain.GatewayName, result.Meta.Gateway)
	require.Equal(t, 2, result.Meta.TotalTools)
	require.Equal(t, "2025-01-02T03:04:05Z", result.Meta.Timestamp)
	require.Equal(t, domain.StatusDisabled, result.Meta.Sources["appstore"].Status)
}

func TestDispatcher_ToolsCall(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"peer_echo","arguments":{"x":1}}}`)))
	require.Nil(t, reply.Error)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Content, 1)
	require.Equal(t, "text", result.Content[0].Type)
	require.Equal(t, `peer_echo:{"x":1}`, result.Content[0].Text)
}

func TestDispatcher_ToolsCallRequiresName(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`)))
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeInternal, reply.Error.Code)
	require.Contains(t, reply.Error.Message, "params.name")
}

func TestDispatcher_RouteErrorMessage(t *testing.T) {
	d := newTestDispatcher(routeFunc(func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		return nil, domain.NewRouteError(domain.RouteStageResolve, errors.New(`unknown source: "ghost"`))
	}))
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ghost_x"}}`)))
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeInternal, reply.Error.Code)
	require.Equal(t, `unknown source: "ghost"`, reply.Error.Message)
}

func TestDispatcher_UpstreamMessageUnchanged(t *testing.T) {
	d := newTestDispatcher(routeFunc(func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		return nil, domain.NewRouteError(domain.RouteStageDispatch, &domain.UpstreamError{SourceID: "neon", Message: "memory not found"})
	}))
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"neon_get_memory","arguments":{"id":"x"}}}`)))
	require.Nil(t, reply.Result)
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeInternal, reply.Error.Code)
	require.Equal(t, "memory not found", reply.Error.Message)
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`)))
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeMethodNotFound, reply.Error.Code)
	require.Contains(t, reply.Error.Message, "resources/list")
}

func TestDispatcher_MalformedJSON(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{not json`)))
	require.NotNil(t, reply.Error)
	require.EqualValues(t, domain.ErrCodeInternal, reply.Error.Code)
}

func TestDispatcher_NotificationsGetNoReply(t *testing.T) {
	d := newTestDispatcher(echoRouter())
	require.Nil(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
}

func TestDispatcher_PanicBecomesInternalError(t *testing.T) {
	d := newTestDispatcher(routeFunc(func(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
		panic("boom")
	}))
	reply := decodeReply(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"a_b"}}`)))
	require.NotNil(t, reply.Error)
	require.Contains(t, reply.Error.Message, "boom")
}
