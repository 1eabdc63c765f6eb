// Package router resolves namespaced tool calls to their source and
// normalizes every answer into a single text content block.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

// Options configures a Router.
type Options struct {
	Sources domain.SourceLookup
	Peers   domain.PeerProvider
	HTTP    domain.HTTPSourceClient
	Metrics domain.Metrics
	Logger  *zap.Logger
	// CallTimeout bounds bridge executions. Peer and HTTP calls carry their
	// own timeouts.
	CallTimeout time.Duration
}

// Router dispatches tools/call requests by access method.
type Router struct {
	sources     domain.SourceLookup
	peers       domain.PeerProvider
	http        domain.HTTPSourceClient
	metrics     domain.Metrics
	logger      *zap.Logger
	callTimeout time.Duration
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = domain.DefaultCallTimeout
	}
	return &Router{
		sources:     opts.Sources,
		peers:       opts.Peers,
		http:        opts.HTTP,
		metrics:     metrics,
		logger:      logger.Named("router"),
		callTimeout: timeout,
	}
}

// Route calls the tool behind a namespaced name. Failures are returned as
// *domain.RouteError values tagged with the stage that failed.
func (r *Router) Route(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	start := time.Now()

	src, rawName, err := r.resolve(name)
	if err != nil {
		return nil, r.fail(name, domain.Source{}, domain.RouteStageResolve, start, err)
	}

	out, err := r.dispatch(ctx, src, rawName, args)
	if err != nil {
		var upstream *domain.UpstreamError
		if errors.As(err, &upstream) && upstream.SourceID == "" {
			upstream.SourceID = src.ID
		}
		return nil, r.fail(name, src, domain.RouteStageDispatch, start, err)
	}

	result, err := Normalize(out)
	if err != nil {
		return nil, r.fail(name, src, domain.RouteStageNormalize, start, err)
	}

	r.metrics.ObserveRoute(domain.RouteMetric{
		SourceID: src.ID,
		Kind:     src.Kind(),
		Status:   domain.RouteStatusSuccess,
		Duration: time.Since(start),
	})
	return result, nil
}

func (r *Router) resolve(name string) (domain.Source, string, error) {
	sourceID, rawName, ok := domain.SplitNamespacedName(name)
	if !ok {
		return domain.Source{}, "", fmt.Errorf("%w: %q", domain.ErrUnknownTool, name)
	}
	src, ok := r.sources.Get(sourceID)
	if !ok {
		return domain.Source{}, "", fmt.Errorf("%w: %q in tool %q", domain.ErrUnknownSource, sourceID, name)
	}
	if !src.Enabled {
		return domain.Source{}, "", fmt.Errorf("%w: %q", domain.ErrSourceDisabled, sourceID)
	}
	return src, rawName, nil
}

func (r *Router) dispatch(ctx context.Context, src domain.Source, rawName string, args map[string]any) (any, error) {
	switch access := src.Access.(type) {
	case domain.BridgeAccess:
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return access.Bridge.ExecuteTool(callCtx, rawName, args)
	case domain.WebSocketPeer:
		if r.peers == nil {
			return nil, domain.ErrConnectionUnavailable
		}
		peer, ok := r.peers.Peer(src.ID)
		if !ok || !peer.Connected() {
			return nil, domain.E(domain.CodeUnavailable, "router.dispatch", "connection not available", domain.ErrConnectionUnavailable)
		}
		raw, err := peer.CallTool(ctx, rawName, args)
		if err != nil {
			return nil, err
		}
		return raw, nil
	case domain.HTTPEndpoint:
		return r.http.CallTool(ctx, access, rawName, args)
	default:
		return nil, fmt.Errorf("unsupported access method %T", src.Access)
	}
}

func (r *Router) fail(name string, src domain.Source, stage domain.RouteStage, start time.Time, err error) error {
	routeErr := domain.NewRouteError(stage, err)
	duration := time.Since(start)
	r.metrics.ObserveRoute(domain.RouteMetric{
		SourceID: src.ID,
		Kind:     src.Kind(),
		Status:   domain.RouteStatusError,
		Stage:    stage,
		Duration: duration,
	})
	fields := []zap.Field{
		telemetry.EventField(telemetry.EventRouteError),
		telemetry.ToolField(name),
		telemetry.StageField(string(stage)),
		telemetry.DurationField(duration),
		zap.Error(err),
	}
	if src.ID != "" {
		fields = append(fields, telemetry.SourceField(src.ID), telemetry.SourceTypeField(string(src.Kind())))
	}
	r.logger.Warn("route failed", fields...)
	return routeErr
}

// Normalize coerces any source answer into one text content block. Strings
// pass through; a content envelope made only of text blocks is collapsed;
// everything else is rendered as indented JSON.
func Normalize(out any) (*mcp.CallToolResult, error) {
	if raw, ok := out.(json.RawMessage); ok {
		if len(raw) == 0 {
			out = nil
		} else {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
			}
			out = decoded
		}
	}
	if text, ok := out.(string); ok {
		return textResult(text), nil
	}
	if text, ok := textEnvelope(out); ok {
		return textResult(text), nil
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return textResult(string(encoded)), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// textEnvelope recognizes {content:[{type:"text", text}...]} answers from MCP
// peers and joins their text.
func textEnvelope(out any) (string, bool) {
	obj, ok := out.(map[string]any)
	if !ok {
		return "", false
	}
	if isErr, _ := obj["isError"].(bool); isErr {
		return "", false
	}
	items, ok := obj["content"].([]any)
	if !ok || len(items) == 0 {
		return "", false
	}
	var text string
	for i, item := range items {
		block, ok := item.(map[string]any)
		if !ok || block["type"] != "text" {
			return "", false
		}
		part, ok := block["text"].(string)
		if !ok {
			return "", false
		}
		if i > 0 {
			text += "\n"
		}
		text += part
	}
	return text, true
}
