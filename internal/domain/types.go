package domain

import (
	"errors"
	"fmt"
	"strings"
)

// AccessKind names the way the gateway reaches a source.
type AccessKind string

const (
	AccessHTTP      AccessKind = "http"
	AccessBridge    AccessKind = "bridge"
	AccessWebSocket AccessKind = "websocket"
)

// NormalizeAccessKind maps loose config spellings onto an AccessKind.
func NormalizeAccessKind(kind string) AccessKind {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "http", "https", "http_endpoint", "httpendpoint":
		return AccessHTTP
	case "bridge":
		return AccessBridge
	case "websocket", "ws", "websocket_peer", "websocketpeer":
		return AccessWebSocket
	default:
		return AccessKind(strings.ToLower(strings.TrimSpace(kind)))
	}
}

// AccessMethod is the tagged union of source access methods. Only
// HTTPEndpoint, BridgeAccess and WebSocketPeer implement it.
type AccessMethod interface {
	Kind() AccessKind
	accessMethod()
}

// ResponseShape selects how a dedicated HTTP call path answers.
type ResponseShape string

const (
	ResponseShapeDirect  ResponseShape = "direct"
	ResponseShapeJSONRPC ResponseShape = "jsonrpc"
)

// HTTPEndpoint reaches a source over plain HTTP. An empty ListPath or
// CallPath means the JSON-RPC endpoint at URL + "/mcp" is used instead.
type HTTPEndpoint struct {
	URL           string
	ListPath      string
	CallPath      string
	ResponseShape ResponseShape
}

func (HTTPEndpoint) Kind() AccessKind { return AccessHTTP }
func (HTTPEndpoint) accessMethod()    {}

// BridgeAccess reaches an in-process adapter.
type BridgeAccess struct {
	Name   string
	Bridge Bridge
}

func (BridgeAccess) Kind() AccessKind { return AccessBridge }
func (BridgeAccess) accessMethod()    {}

// WebSocketPeer reaches a remote MCP server over an outbound WebSocket.
type WebSocketPeer struct {
	URL string
}

func (WebSocketPeer) Kind() AccessKind { return AccessWebSocket }
func (WebSocketPeer) accessMethod()    {}

// Source is one upstream tool provider.
type Source struct {
	ID         string
	Name       string
	Access     AccessMethod
	Enabled    bool
	Categories []string
	// DeclaredToolCount is informational; the live list is authoritative.
	DeclaredToolCount int
}

// Kind returns the access kind or "" when no access method is set.
func (s Source) Kind() AccessKind {
	if s.Access == nil {
		return ""
	}
	return s.Access.Kind()
}

// DisplayName falls back to the id.
func (s Source) DisplayName() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.ID
}

// ValidateSourceID rejects ids that would make namespaced names ambiguous.
func ValidateSourceID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidSourceID)
	}
	if trimmed != id {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidSourceID, id)
	}
	if strings.Contains(id, NamespaceSeparator) {
		return fmt.Errorf("%w: %q contains reserved separator %q", ErrInvalidSourceID, id, NamespaceSeparator)
	}
	return nil
}

// Validate checks the source shape before registration.
func (s Source) Validate() error {
	if err := ValidateSourceID(s.ID); err != nil {
		return err
	}
	switch access := s.Access.(type) {
	case HTTPEndpoint:
		if strings.TrimSpace(access.URL) == "" {
			return fmt.Errorf("source %q: http url is required", s.ID)
		}
		switch access.ResponseShape {
		case "", ResponseShapeDirect, ResponseShapeJSONRPC:
		default:
			return fmt.Errorf("source %q: unknown response shape %q", s.ID, access.ResponseShape)
		}
	case BridgeAccess:
		if access.Bridge == nil {
			return fmt.Errorf("source %q: bridge %q is not available", s.ID, access.Name)
		}
	case WebSocketPeer:
		if strings.TrimSpace(access.URL) == "" {
			return fmt.Errorf("source %q: websocket url is required", s.ID)
		}
	case nil:
		return fmt.Errorf("source %q: access method is required", s.ID)
	default:
		return fmt.Errorf("source %q: unsupported access method %T", s.ID, access)
	}
	return nil
}

// SourceSpec is the configuration form of a Source, before bridges are bound.
type SourceSpec struct {
	ID            string     `json:"id" mapstructure:"id"`
	Name          string     `json:"name,omitempty" mapstructure:"name"`
	Type          AccessKind `json:"type" mapstructure:"type"`
	URL           string     `json:"url,omitempty" mapstructure:"url"`
	ListPath      string     `json:"listPath,omitempty" mapstructure:"listPath"`
	CallPath      string     `json:"callPath,omitempty" mapstructure:"callPath"`
	ResponseShape string     `json:"responseShape,omitempty" mapstructure:"responseShape"`
	Bridge        string     `json:"bridge,omitempty" mapstructure:"bridge"`
	Enabled       bool       `json:"enabled" mapstructure:"enabled"`
	ToolCount     int        `json:"toolCount,omitempty" mapstructure:"toolCount"`
	Categories    []string   `json:"categories,omitempty" mapstructure:"categories"`
}

// ReconnectConfig bounds WebSocket peer reconnection.
type ReconnectConfig struct {
	MaxAttempts int `json:"maxAttempts"`
	BaseDelayMs int `json:"baseDelayMs"`
}

// SourceTable is the loaded static configuration.
type SourceTable struct {
	Sources   []SourceSpec
	Reconnect ReconnectConfig
}

var errBridgeUnbound = errors.New("bridge sources must be bound before use")

// ToSource converts an HTTP or WebSocket spec into a Source. Bridge specs need a
// bridge instance and go through BindBridge instead.
func (s SourceSpec) ToSource() (Source, error) {
	src := Source{
		ID:                s.ID,
		Name:              s.Name,
		Enabled:           s.Enabled,
		Categories:        append([]string(nil), s.Categories...),
		DeclaredToolCount: s.ToolCount,
	}
	switch NormalizeAccessKind(string(s.Type)) {
	case AccessHTTP:
		src.Access = HTTPEndpoint{
			URL:           strings.TrimRight(strings.TrimSpace(s.URL), "/"),
			ListPath:      strings.TrimSpace(s.ListPath),
			CallPath:      strings.TrimSpace(s.CallPath),
			ResponseShape: ResponseShape(strings.ToLower(strings.TrimSpace(s.ResponseShape))),
		}
	case AccessWebSocket:
		src.Access = WebSocketPeer{URL: strings.TrimSpace(s.URL)}
	case AccessBridge:
		return Source{}, fmt.Errorf("source %q: %w", s.ID, errBridgeUnbound)
	default:
		return Source{}, fmt.Errorf("source %q: unsupported type %q", s.ID, s.Type)
	}
	return src, src.Validate()
}

// BindBridge converts a bridge spec into a Source backed by bridge.
func (s SourceSpec) BindBridge(bridge Bridge) (Source, error) {
	src := Source{
		ID:                s.ID,
		Name:              s.Name,
		Enabled:           s.Enabled,
		Categories:        append([]string(nil), s.Categories...),
		DeclaredToolCount: s.ToolCount,
		Access:            BridgeAccess{Name: s.Bridge, Bridge: bridge},
	}
	return src, src.Validate()
}
