package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"unimcp/internal/domain"
)

const maxResponseBytes = 16 << 20

// Options configures a Client.
type Options struct {
	HTTPClient  *http.Client
	ListTimeout time.Duration
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Client talks to HTTP sources, either through dedicated REST paths or through
// the JSON-RPC endpoint at <url>/mcp.
type Client struct {
	http        *http.Client
	listTimeout time.Duration
	callTimeout time.Duration
	logger      *zap.Logger
	seq         atomic.Uint64
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	listTimeout := opts.ListTimeout
	if listTimeout <= 0 {
		listTimeout = domain.DefaultListTimeout
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = domain.DefaultCallTimeout
	}
	return &Client{
		http:        client,
		listTimeout: listTimeout,
		callTimeout: callTimeout,
		logger:      logger.Named("httpsource"),
	}
}

// ListTools fetches the tool list. Accepted shapes are a bare array,
// {success, data: [...]}, {result: {tools: [...]}} and {tools: [...]}.
func (c *Client) ListTools(ctx context.Context, endpoint domain.HTTPEndpoint) ([]domain.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	var (
		body []byte
		err  error
	)
	if endpoint.ListPath != "" {
		body, err = c.do(ctx, http.MethodGet, joinURL(endpoint.URL, endpoint.ListPath), nil)
	} else {
		body, err = c.postRPC(ctx, endpoint.URL, domain.MethodToolsList, map[string]any{})
	}
	if err != nil {
		return nil, err
	}
	return decodeToolList(body)
}

// CallTool invokes a tool. With a call path the arguments are POSTed to
// <url><callPath>/<name>; otherwise a tools/call envelope goes to <url>/mcp.
func (c *Client) CallTool(ctx context.Context, endpoint domain.HTTPEndpoint, name string, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	if endpoint.CallPath == "" {
		body, err := c.postRPC(ctx, endpoint.URL, domain.MethodToolsCall, map[string]any{
			"name":      name,
			"arguments": args,
		})
		if err != nil {
			return nil, err
		}
		return decodeRPCResult(body)
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	target := joinURL(endpoint.URL, endpoint.CallPath) + "/" + url.PathEscape(name)
	body, err := c.do(ctx, http.MethodPost, target, payload)
	if err != nil {
		return nil, err
	}

	switch endpoint.ResponseShape {
	case domain.ResponseShapeJSONRPC:
		return decodeRPCResult(body)
	case domain.ResponseShapeDirect:
		return unwrapDirect(body)
	default:
		var out any
		if err := json.Unmarshal(body, &out); err != nil {
			return string(body), nil
		}
		return out, nil
	}
}

func (c *Client) postRPC(ctx context.Context, baseURL, method string, params any) ([]byte, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	id, err := jsonrpc.MakeID(float64(c.seq.Add(1)))
	if err != nil {
		return nil, err
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	return c.do(ctx, http.MethodPost, joinURL(baseURL, "/mcp"), wire)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", domain.ErrRequestTimeout, method, target)
		}
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("source returned non-2xx",
			zap.String("url", target),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%s %s: HTTP %d: %s", method, target, resp.StatusCode, strings.TrimSpace(truncate(string(body), 200)))
	}
	return body, nil
}

func decodeToolList(body []byte) ([]domain.Tool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tools []domain.Tool
		if err := json.Unmarshal(trimmed, &tools); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
		return tools, nil
	}

	var envelope struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   any             `json:"error"`
		Result  *struct {
			Tools []domain.Tool `json:"tools"`
		} `json:"result"`
		Tools []domain.Tool `json:"tools"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	switch {
	case envelope.Success != nil:
		if !*envelope.Success {
			return nil, fmt.Errorf("list tools: %s", errorText(envelope.Error))
		}
		var tools []domain.Tool
		if err := json.Unmarshal(envelope.Data, &tools); err != nil {
			return nil, fmt.Errorf("%w: data is not a tool array", domain.ErrMalformedResponse)
		}
		return tools, nil
	case envelope.Result != nil && envelope.Result.Tools != nil:
		return envelope.Result.Tools, nil
	case envelope.Error != nil:
		return nil, fmt.Errorf("list tools: %s", errorText(envelope.Error))
	case envelope.Tools != nil:
		return envelope.Tools, nil
	default:
		return nil, fmt.Errorf("%w: unrecognised tool list shape", domain.ErrMalformedResponse)
	}
}

func decodeRPCResult(body []byte) (any, error) {
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("%w: expected a response message", domain.ErrMalformedResponse)
	}
	if resp.Error != nil {
		var wireErr *jsonrpc.Error
		if errors.As(resp.Error, &wireErr) {
			return nil, &domain.UpstreamError{Message: wireErr.Message, Code: wireErr.Code}
		}
		return nil, &domain.UpstreamError{Message: resp.Error.Error()}
	}
	var out any
	if len(resp.Result) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	return out, nil
}

func unwrapDirect(body []byte) (any, error) {
	var envelope struct {
		Success *bool `json:"success"`
		Data    any   `json:"data"`
		Error   any   `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
	if envelope.Success == nil {
		var out any
		_ = json.Unmarshal(body, &out)
		return out, nil
	}
	if !*envelope.Success {
		return nil, &domain.UpstreamError{Message: errorText(envelope.Error)}
	}
	return envelope.Data, nil
}

func errorText(value any) string {
	switch v := value.(type) {
	case nil:
		return "request failed"
	case string:
		return v
	case map[string]any:
		if msg, ok := v["message"].(string); ok && msg != "" {
			return msg
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(raw)
}

func joinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ domain.HTTPSourceClient = (*Client)(nil)
