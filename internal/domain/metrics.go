package domain

import "time"

// RouteStatus labels the outcome of a routed request.
type RouteStatus string

const (
	// RouteStatusSuccess indicates a successful route.
	RouteStatusSuccess RouteStatus = "success"
	// RouteStatusError indicates a failed route.
	RouteStatusError RouteStatus = "error"
)

// RouteMetric captures metrics for a routed tool call.
type RouteMetric struct {
	SourceID string
	Kind     AccessKind
	Status   RouteStatus
	Stage    RouteStage
	Duration time.Duration
}

// Metrics records operational metrics for aggregation, routing and peers.
type Metrics interface {
	ObserveRoute(metric RouteMetric)
	ObserveAggregation(duration time.Duration, tools int)
	SetSourceStatus(sourceID string, status SourceStatus)
	SetWebSocketClients(count int)
	ObservePeerReconnect(sourceID string, outcome string)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveRoute(RouteMetric)              {}
func (NoopMetrics) ObserveAggregation(time.Duration, int) {}
func (NoopMetrics) SetSourceStatus(string, SourceStatus)  {}
func (NoopMetrics) SetWebSocketClients(int)               {}
func (NoopMetrics) ObservePeerReconnect(string, string)   {}
