package frontend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

// PeerAttacher starts connections for websocket sources added at runtime.
type PeerAttacher interface {
	Attach(src domain.Source)
}

// Listener is one HTTP+WebSocket port.
type Listener struct {
	Name    string
	Host    string
	Port    int
	Enabled bool
}

// Options configures a Server.
type Options struct {
	Catalog   CatalogBuilder
	Router    ToolRouter
	Registrar domain.SourceRegistrar
	Peers     PeerAttacher
	Persister domain.SourcePersister
	Events    EventSubscriber
	Metrics   domain.Metrics
	Gatherer  prometheus.Gatherer
	APIKeys   []string
	Listeners []Listener
	Logger    *zap.Logger
	// BeforeShutdown runs first during shutdown, ahead of closing WebSocket
	// clients and HTTP listeners.
	BeforeShutdown  func(ctx context.Context)
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

// Server owns the HTTP mux, the WebSocket clients and the listeners.
type Server struct {
	catalog    CatalogBuilder
	dispatcher *Dispatcher
	registrar  domain.SourceRegistrar
	peers      PeerAttacher
	persister  domain.SourcePersister
	ws         *wsServer
	auth       *apiKeyAuth
	listeners  []Listener
	logger     *zap.Logger
	handler    http.Handler

	beforeShutdown  func(ctx context.Context)
	shutdownTimeout time.Duration
	now             func() time.Time
	started         time.Time

	mu    sync.Mutex
	addrs map[string]string
	ready chan struct{}
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("frontend")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = domain.DefaultShutdownTimeout
	}

	dispatcher := NewDispatcher(opts.Catalog, opts.Router, logger)
	dispatcher.now = now
	s := &Server{
		catalog:         opts.Catalog,
		dispatcher:      dispatcher,
		registrar:       opts.Registrar,
		peers:           opts.Peers,
		persister:       opts.Persister,
		ws:              newWSServer(dispatcher, opts.Events, metrics, logger),
		auth:            newAPIKeyAuth(opts.APIKeys),
		listeners:       opts.Listeners,
		logger:          logger,
		beforeShutdown:  opts.BeforeShutdown,
		shutdownTimeout: timeout,
		now:             now,
		started:         now(),
		addrs:           make(map[string]string),
		ready:           make(chan struct{}),
	}
	if !s.auth.Enabled() {
		logger.Warn("no API keys configured; /mcp, /ws and /admin are unauthenticated")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.Handler(opts.Gatherer))
	mux.Handle("POST /mcp", s.auth.Wrap(http.HandlerFunc(s.handleMCP)))
	mux.Handle("GET /ws", s.auth.Wrap(s.ws))
	if s.registrar != nil {
		mux.Handle("POST /admin/add-source", s.auth.Wrap(http.HandlerFunc(s.handleAddSource)))
	}
	s.handler = withRequest(withRecover(logger, mux))
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Ready is closed once the listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address of a named listener.
func (s *Server) Addr(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.addrs[name]
	return addr, ok
}

type boundListener struct {
	Listener
	ln net.Listener
}

// Serve binds every enabled listener and serves until ctx is cancelled. A
// port already in use is skipped; any other bind failure is returned.
func (s *Server) Serve(ctx context.Context) error {
	bound, err := s.bind()
	if err != nil {
		return err
	}

	servers := make([]*http.Server, 0, len(bound))
	group, groupCtx := errgroup.WithContext(ctx)
	for _, b := range bound {
		srv := &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
		}
		servers = append(servers, srv)
		group.Go(func() error {
			s.logger.Info("listener started",
				telemetry.EventField(telemetry.EventListenerStarted),
				telemetry.ListenerField(b.Name),
				zap.String("addr", b.ln.Addr().String()),
			)
			if err := srv.Serve(b.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", b.Name, err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown(servers)
		return nil
	})
	return group.Wait()
}

func (s *Server) bind() ([]boundListener, error) {
	bound := make([]boundListener, 0, len(s.listeners))
	closeAll := func() {
		for _, b := range bound {
			_ = b.ln.Close()
		}
	}
	for _, l := range s.listeners {
		if !l.Enabled {
			s.logger.Info("listener disabled", telemetry.ListenerField(l.Name))
			continue
		}
		addr := net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				s.logger.Warn("port already in use; listener skipped",
					telemetry.EventField(telemetry.EventListenerSkipped),
					telemetry.ListenerField(l.Name),
					zap.String("addr", addr),
				)
				continue
			}
			closeAll()
			return nil, fmt.Errorf("listen %s on %s: %w", l.Name, addr, err)
		}
		bound = append(bound, boundListener{Listener: l, ln: ln})
	}
	if len(bound) == 0 {
		return nil, errors.New("no listener could be started")
	}

	s.mu.Lock()
	for _, b := range bound {
		s.addrs[b.Name] = b.ln.Addr().String()
	}
	s.mu.Unlock()
	close(s.ready)
	return bound, nil
}

// shutdown releases backends first, then WebSocket clients, then listeners.
func (s *Server) shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if s.beforeShutdown != nil {
		s.beforeShutdown(ctx)
	}
	s.ws.CloseAll()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("listener shutdown failed", zap.Error(err))
		}
	}
	s.logger.Info("listeners stopped")
}
