package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldSource     = "source"
	FieldSourceType = "sourceType"
	FieldTool       = "tool"
	FieldStatus     = "status"
	FieldStage      = "stage"
	FieldAttempt    = "attempt"
	FieldDurationMs = "duration_ms"
	FieldListener   = "listener"
	FieldRequestID  = "request_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
)

const (
	EventRouteError      = "route_error"
	EventAggregateError  = "aggregate_error"
	EventPeerConnected   = "peer_connected"
	EventPeerDisconnect  = "peer_disconnected"
	EventPeerReconnect   = "peer_reconnect"
	EventPeerGaveUp      = "peer_gave_up"
	EventListenerSkipped = "listener_skipped"
	EventListenerStarted = "listener_started"
	EventPanicRecovered  = "panic_recovered"
	EventPoolReset       = "pool_reset"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func SourceField(sourceID string) zap.Field {
	return zap.String(FieldSource, sourceID)
}

func SourceTypeField(kind string) zap.Field {
	return zap.String(FieldSourceType, kind)
}

func ToolField(name string) zap.Field {
	return zap.String(FieldTool, name)
}

func StatusField(status string) zap.Field {
	return zap.String(FieldStatus, status)
}

func StageField(stage string) zap.Field {
	return zap.String(FieldStage, stage)
}

func AttemptField(attempt int) zap.Field {
	return zap.Int(FieldAttempt, attempt)
}

func ListenerField(name string) zap.Field {
	return zap.String(FieldListener, name)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}
