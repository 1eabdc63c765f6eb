package domain

import (
	"strings"
	"time"
)

// NamespaceSeparator joins a source id and a raw tool name. Source ids may not
// contain it, so the first occurrence always marks the boundary.
const NamespaceSeparator = "_"

// Tool is one invocable capability as advertised by a source. Description and
// InputSchema pass through to clients unmodified.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// NamespacedTool is a Tool renamed to "<sourceID>_<rawName>".
type NamespacedTool struct {
	Name        string
	SourceID    string
	RawName     string
	Description string
	InputSchema any
}

// NamespacedName builds the client-facing tool name.
func NamespacedName(sourceID, rawName string) string {
	return sourceID + NamespaceSeparator + rawName
}

// SplitNamespacedName recovers (sourceID, rawName) from a namespaced tool name.
func SplitNamespacedName(name string) (string, string, bool) {
	sourceID, rawName, ok := strings.Cut(name, NamespaceSeparator)
	if !ok || sourceID == "" || rawName == "" {
		return "", "", false
	}
	return sourceID, rawName, true
}

// Namespace renames a source tool.
func Namespace(sourceID string, tool Tool) NamespacedTool {
	return NamespacedTool{
		Name:        NamespacedName(sourceID, tool.Name),
		SourceID:    sourceID,
		RawName:     tool.Name,
		Description: tool.Description,
		InputSchema: tool.InputSchema,
	}
}

// SourceStatus is the reachability of a source within one aggregation.
type SourceStatus string

const (
	StatusOnline   SourceStatus = "online"
	StatusOffline  SourceStatus = "offline"
	StatusDisabled SourceStatus = "disabled"
	StatusError    SourceStatus = "error"
)

// AllSourceStatuses lists every status value.
var AllSourceStatuses = []SourceStatus{StatusOnline, StatusOffline, StatusDisabled, StatusError}

// SourceState is one entry of the per-source status map.
type SourceState struct {
	Name      string       `json:"name"`
	Type      AccessKind   `json:"type"`
	Status    SourceStatus `json:"status"`
	ToolCount int          `json:"toolCount"`
	Detail    string       `json:"detail,omitempty"`
}

// Catalog is the result of one aggregation pass. Tools are ordered by source
// registration order, then by each source's own order.
type Catalog struct {
	Tools       []NamespacedTool
	Sources     map[string]SourceState
	SourceOrder []string
	BuiltAt     time.Time
}

// ActiveSources counts sources reported online.
func (c Catalog) ActiveSources() int {
	count := 0
	for _, state := range c.Sources {
		if state.Status == StatusOnline {
			count++
		}
	}
	return count
}
