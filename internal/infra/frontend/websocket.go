package frontend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"unimcp/internal/domain"
	"unimcp/internal/infra/telemetry"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 4 << 20
)

// EventSubscriber delivers source events until ctx is done.
type EventSubscriber interface {
	Subscribe(ctx context.Context) <-chan domain.SourceEvent
}

type wsClient struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// wsServer runs the JSON-RPC dispatcher over WebSocket connections. Each
// inbound frame is handled on its own goroutine so a slow tool call does not
// hold up later requests on the same socket.
type wsServer struct {
	upgrader   websocket.Upgrader
	dispatcher *Dispatcher
	events     EventSubscriber
	metrics    domain.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newWSServer(dispatcher *Dispatcher, events EventSubscriber, metrics domain.Metrics, logger *zap.Logger) *wsServer {
	return &wsServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dispatcher: dispatcher,
		events:     events,
		metrics:    metrics,
		logger:     logger.Named("ws"),
		clients:    make(map[*wsClient]struct{}),
	}
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(wsMaxMessage)

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{conn: conn, cancel: cancel}
	if !s.add(client) {
		cancel()
		client.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.remove(client)

	if s.events != nil {
		go s.forwardEvents(ctx, client)
	}

	var inflight sync.WaitGroup
	defer inflight.Wait()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			cancel()
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.handleFrame(ctx, client, data)
		}()
	}
}

func (s *wsServer) handleFrame(ctx context.Context, client *wsClient, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("websocket handler panicked",
				telemetry.EventField(telemetry.EventPanicRecovered),
				zap.Any("panic", rec),
			)
		}
	}()
	ctx, _ = telemetry.StartRequest(ctx, "ws", nil)
	reply := s.dispatcher.Handle(ctx, data)
	if reply == nil {
		return
	}
	if err := client.write(reply); err != nil {
		s.logger.Debug("websocket write failed", zap.Error(err))
	}
}

// forwardEvents turns source events into tools/list_changed notifications.
func (s *wsServer) forwardEvents(ctx context.Context, client *wsClient) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("event forwarder panicked",
				telemetry.EventField(telemetry.EventPanicRecovered),
				zap.Any("panic", rec),
			)
		}
	}()
	notification, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: domain.NotificationToolListChanged})
	if err != nil {
		s.logger.Error("encode list_changed notification", zap.Error(err))
		return
	}
	for event := range s.events.Subscribe(ctx) {
		s.logger.Debug("forwarding source event",
			telemetry.SourceField(event.SourceID),
			zap.String("kind", string(event.Kind)),
		)
		if err := client.write(notification); err != nil {
			return
		}
	}
}

func (s *wsServer) add(client *wsClient) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.clients[client] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetWebSocketClients(count)
	return true
}

func (s *wsServer) remove(client *wsClient) {
	s.mu.Lock()
	_, ok := s.clients[client]
	delete(s.clients, client)
	count := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	client.cancel()
	_ = client.conn.Close()
	s.metrics.SetWebSocketClients(count)
}

// Count reports connected clients.
func (s *wsServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll disconnects every client and refuses new ones.
func (s *wsServer) CloseAll() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*wsClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.clients = make(map[*wsClient]struct{})
	s.mu.Unlock()

	for _, client := range clients {
		client.cancel()
		client.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.metrics.SetWebSocketClients(0)
}
