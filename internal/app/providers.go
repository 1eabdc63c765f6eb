package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/aggregator"
	"unimcp/internal/infra/httpsource"
	"unimcp/internal/infra/notifications"
	"unimcp/internal/infra/peer"
	"unimcp/internal/infra/registry"
	"unimcp/internal/infra/router"
	"unimcp/internal/infra/telemetry"
)

func NewMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
	return registry
}

func NewMetrics(registry *prometheus.Registry) domain.Metrics {
	return telemetry.NewPrometheusMetrics(registry)
}

func NewSourceEventHub() *notifications.SourceEventHub {
	return notifications.NewSourceEventHub()
}

func NewSourceRegistry(events *notifications.SourceEventHub, logger *zap.Logger) *registry.Registry {
	return registry.New(registry.Options{Logger: logger, Events: events})
}

func NewPeerManager(reconnect domain.ReconnectConfig, events *notifications.SourceEventHub, metrics domain.Metrics, logger *zap.Logger) *peer.Manager {
	return peer.NewManager(peer.ManagerOptions{
		MaxAttempts:    reconnect.MaxAttempts,
		BaseDelay:      time.Duration(reconnect.BaseDelayMs) * time.Millisecond,
		ConnectTimeout: domain.DefaultConnectTimeout,
		ListTimeout:    domain.DefaultListTimeout,
		CallTimeout:    domain.DefaultCallTimeout,
		Logger:         logger,
		Metrics:        metrics,
		Events:         events,
	})
}

func NewHTTPSourceClient(logger *zap.Logger) *httpsource.Client {
	return httpsource.New(httpsource.Options{Logger: logger})
}

func NewAggregator(sources domain.SourceLookup, peers domain.PeerProvider, http domain.HTTPSourceClient, metrics domain.Metrics, logger *zap.Logger) *aggregator.Aggregator {
	return aggregator.New(aggregator.Options{
		Sources: sources,
		Peers:   peers,
		HTTP:    http,
		Metrics: metrics,
		Logger:  logger,
	})
}

func NewRouter(sources domain.SourceLookup, peers domain.PeerProvider, http domain.HTTPSourceClient, metrics domain.Metrics, logger *zap.Logger) *router.Router {
	return router.New(router.Options{
		Sources: sources,
		Peers:   peers,
		HTTP:    http,
		Metrics: metrics,
		Logger:  logger,
	})
}
