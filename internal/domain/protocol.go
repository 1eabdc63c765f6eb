package domain

import "errors"

const (
	MethodInitialize            = "initialize"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodPing                  = "ping"
	NotificationToolListChanged = "notifications/tools/list_changed"
)

// JSON-RPC error codes surfaced by the front end.
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603
)

// InitializeResult is the handshake payload returned to clients.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NewInitializeResult advertises tool support only.
func NewInitializeResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: DefaultProtocolVersion,
		Capabilities: map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		ServerInfo: ServerInfo{Name: GatewayName, Version: GatewayVersion},
	}
}

// ErrorCodeFor maps an error to the JSON-RPC code returned to clients.
func ErrorCodeFor(err error) int64 {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrMethodNotFound) {
		return ErrCodeMethodNotFound
	}
	return ErrCodeInternal
}
