package domain

import "time"

// SourceEventKind identifies a change affecting the aggregated catalog.
type SourceEventKind string

const (
	SourceEventToolsChanged     SourceEventKind = "tools_changed"
	SourceEventAdded            SourceEventKind = "source_added"
	SourceEventPeerConnected    SourceEventKind = "peer_connected"
	SourceEventPeerDisconnected SourceEventKind = "peer_disconnected"
	SourceEventPeerGaveUp       SourceEventKind = "peer_gave_up"
)

// SourceEvent is published whenever the catalog a client would see may differ.
type SourceEvent struct {
	Kind     SourceEventKind
	SourceID string
	At       time.Time
}

// SourceEventEmitter publishes source events.
type SourceEventEmitter interface {
	EmitSourceEvent(event SourceEvent)
}
