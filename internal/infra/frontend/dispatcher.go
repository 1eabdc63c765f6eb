// Package frontend serves the gateway's JSON-RPC surface over HTTP and
// WebSocket, plus the health, admin and metrics endpoints.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

// CatalogBuilder produces the merged tool catalog.
type CatalogBuilder interface {
	Aggregate(ctx context.Context) domain.Catalog
}

// ToolRouter executes a namespaced tool call.
type ToolRouter interface {
	Route(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ListMeta is attached to every tools/list answer.
type ListMeta struct {
	Gateway    string                        `json:"gateway"`
	Sources    map[string]domain.SourceState `json:"sources"`
	TotalTools int                           `json:"totalTools"`
	Timestamp  string                        `json:"timestamp"`
}

// ListResult is the tools/list payload.
type ListResult struct {
	Tools []*mcp.Tool `json:"tools"`
	Meta  ListMeta    `json:"_meta"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Dispatcher answers one JSON-RPC message at a time. It holds no per-client
// state, so HTTP requests and WebSocket frames share one instance.
type Dispatcher struct {
	catalog CatalogBuilder
	router  ToolRouter
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(catalog CatalogBuilder, router ToolRouter, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		catalog: catalog,
		router:  router,
		logger:  logger.Named("dispatcher"),
		now:     time.Now,
	}
}

// Handle decodes data, runs the request and returns the encoded reply. The
// reply is nil for notifications and stray responses.
func (d *Dispatcher) Handle(ctx context.Context, data []byte) []byte {
	msg, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return d.encode(&jsonrpc.Response{Error: wireError(fmt.Errorf("invalid request: %w", err))})
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return nil
	}
	if !req.ID.IsValid() {
		return nil
	}

	result, err := d.call(ctx, req)
	resp := &jsonrpc.Response{ID: req.ID}
	if err != nil {
		telemetry.LoggerWithRequest(ctx, d.logger).Debug("request failed",
			zap.String("method", req.Method),
			zap.Error(err),
		)
		resp.Error = wireError(err)
		return d.encode(resp)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = wireError(fmt.Errorf("encode result: %w", err))
		return d.encode(resp)
	}
	resp.Result = raw
	return d.encode(resp)
}

func (d *Dispatcher) call(ctx context.Context, req *jsonrpc.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("request panicked",
				telemetry.EventField(telemetry.EventPanicRecovered),
				zap.String("method", req.Method),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	switch req.Method {
	case domain.MethodInitialize:
		return domain.NewInitializeResult(), nil
	case domain.MethodPing:
		return struct{}{}, nil
	case domain.MethodToolsList:
		return d.listTools(ctx), nil
	case domain.MethodToolsCall:
		var params callParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, domain.E(domain.CodeInvalidArgument, "tools/call", "invalid params", err)
			}
		}
		if params.Name == "" {
			return nil, domain.E(domain.CodeInvalidArgument, "tools/call", "params.name is required", nil)
		}
		return d.router.Route(ctx, params.Name, params.Arguments)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrMethodNotFound, req.Method)
	}
}

func (d *Dispatcher) listTools(ctx context.Context) ListResult {
	catalog := d.catalog.Aggregate(ctx)
	tools := make([]*mcp.Tool, 0, len(catalog.Tools))
	for _, tool := range catalog.Tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, &mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return ListResult{
		Tools: tools,
		Meta: ListMeta{
			Gateway:    domain.GatewayName,
			Sources:    catalog.Sources,
			TotalTools: len(tools),
			Timestamp:  d.now().UTC().Format(time.RFC3339),
		},
	}
}

func (d *Dispatcher) encode(resp *jsonrpc.Response) []byte {
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		d.logger.Error("encode response failed", zap.Error(err))
		return nil
	}
	return wire
}

func wireError(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: domain.ErrorCodeFor(err), Message: errorMessage(err)}
}

// errorMessage drops the route stage prefix so clients see the source's own
// wording.
func errorMessage(err error) string {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) && upstream.Message != "" {
		return upstream.Message
	}
	var routeErr *domain.RouteError
	if errors.As(err, &routeErr) && routeErr.Err != nil {
		return routeErr.Err.Error()
	}
	return err.Error()
}
