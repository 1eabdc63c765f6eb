package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
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
	writeTimeout = 10 * time.Second
	// Ids stay within the range a JSON number represents exactly.
	maxRequestID = 1 << 53
)

// Options configures a Connection.
type Options struct {
	SourceID       string
	URL            string
	Header         http.Header
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	ListTimeout    time.Duration
	CallTimeout    time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	Logger         *zap.Logger
	Metrics        domain.Metrics
	Events         domain.SourceEventEmitter
}

type pendingCall struct {
	conn *websocket.Conn
	ch   chan *jsonrpc.Response
}

// Connection is an outbound JSON-RPC client over one WebSocket. Requests are
// correlated by id so replies may arrive in any order.
type Connection struct {
	sourceID       string
	url            string
	header         http.Header
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	listTimeout    time.Duration
	callTimeout    time.Duration
	backoff        backoff
	logger         *zap.Logger
	metrics        domain.Metrics
	events         domain.SourceEventEmitter

	ctx    context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	tools        []domain.Tool
	attempts     int
	reconnecting bool
	gaveUp       bool
	closed       bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]pendingCall
}

func NewConnection(opts Options) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = domain.DefaultConnectTimeout
	}
	listTimeout := opts.ListTimeout
	if listTimeout <= 0 {
		listTimeout = domain.DefaultListTimeout
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = domain.DefaultCallTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = domain.DefaultMaxReconnect
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = domain.DefaultReconnectBaseDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		sourceID:       opts.SourceID,
		url:            opts.URL,
		header:         opts.Header,
		dialer:         dialer,
		connectTimeout: connectTimeout,
		listTimeout:    listTimeout,
		callTimeout:    callTimeout,
		backoff:        newBackoff(baseDelay, maxAttempts),
		logger:         logger.Named("peer").With(telemetry.SourceField(opts.SourceID)),
		metrics:        metrics,
		events:         opts.Events,
		ctx:            ctx,
		cancel:         cancel,
		pending:        make(map[int64]pendingCall),
	}
}

// Connect dials the peer and fetches its tool list. The connection counts as
// ready only once the list is known. Connect never retries.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, connected := c.closed, c.connected
	c.mu.RUnlock()
	if closed {
		return domain.E(domain.CodeUnavailable, "peer.Connect", "connection closed", domain.ErrConnectionUnavailable)
	}
	if connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connect after %s", domain.ErrRequestTimeout, c.connectTimeout)
		}
		return domain.Wrap(domain.CodeUnavailable, "peer.Connect", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	tools, err := c.listTools(ctx, conn)
	if err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		return domain.Wrap(domain.CodeUnavailable, "peer.Connect", err)
	}

	c.mu.Lock()
	if c.closed || c.conn != conn {
		// The reader saw the socket close before the handshake finished.
		c.mu.Unlock()
		_ = conn.Close()
		return domain.E(domain.CodeUnavailable, "peer.Connect", "socket closed during handshake", domain.ErrConnectionUnavailable)
	}
	c.connected = true
	c.tools = tools
	c.attempts = 0
	c.gaveUp = false
	// Cleared together with connected so a drop right after this point
	// schedules a fresh reconnect.
	c.reconnecting = false
	c.mu.Unlock()

	c.logger.Info("peer connected",
		telemetry.EventField(telemetry.EventPeerConnected),
		zap.Int("tools", len(tools)),
	)
	c.emit(domain.SourceEventPeerConnected)
	return nil
}

// Start connects in the background and falls back to the reconnect schedule
// when the first attempt fails.
func (c *Connection) Start() {
	go func() {
		defer c.recoverPanic("start")
		if err := c.Connect(c.ctx); err != nil {
			c.logger.Warn("initial peer connect failed", zap.Error(err))
			c.scheduleReconnect()
		}
	}()
}

func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Tools returns the list cached at connect time or on the last list change.
func (c *Connection) Tools() []domain.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Tool(nil), c.tools...)
}

func (c *Connection) ReconnectAttempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

func (c *Connection) GaveUp() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gaveUp
}

// CallTool invokes a tool on the peer and returns the raw JSON-RPC result.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	conn, connected, gaveUp := c.conn, c.connected, c.gaveUp
	c.mu.RUnlock()
	if gaveUp {
		return nil, domain.E(domain.CodeUnavailable, "peer.CallTool", "reconnection abandoned", domain.ErrPeerGaveUp)
	}
	if !connected || conn == nil {
		return nil, domain.E(domain.CodeUnavailable, "peer.CallTool", "connection not available", domain.ErrConnectionUnavailable)
	}
	if args == nil {
		args = map[string]any{}
	}
	return c.request(ctx, conn, domain.MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	}, c.callTimeout)
}

// Close stops reconnection and closes the socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Connection) listTools(ctx context.Context, conn *websocket.Conn) ([]domain.Tool, error) {
	raw, err := c.request(ctx, conn, domain.MethodToolsList, map[string]any{}, c.listTimeout)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools *[]domain.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode tools/list result: %v", domain.ErrMalformedResponse, err)
	}
	if payload.Tools == nil {
		return nil, fmt.Errorf("%w: tools/list result has no tools", domain.ErrMalformedResponse)
	}
	return *payload.Tools, nil
}

func (c *Connection) request(ctx context.Context, conn *websocket.Conn, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	id, ch := c.reserveID(conn)
	defer c.releaseID(id)

	wireID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: wireID, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, wire)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", domain.ErrConnectionUnavailable, method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, fmt.Errorf("%w: socket closed while awaiting %s", domain.ErrConnectionUnavailable, method)
		}
		if resp.Error != nil {
			return nil, c.upstreamError(resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", domain.ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) upstreamError(err error) error {
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		return &domain.UpstreamError{SourceID: c.sourceID, Message: wireErr.Message, Code: wireErr.Code}
	}
	return &domain.UpstreamError{SourceID: c.sourceID, Message: err.Error()}
}

func (c *Connection) reserveID(conn *websocket.Conn) (int64, chan *jsonrpc.Response) {
	ch := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for {
		id := rand.Int64N(maxRequestID-1) + 1
		if _, taken := c.pending[id]; taken {
			continue
		}
		c.pending[id] = pendingCall{conn: conn, ch: ch}
		return id, ch
	}
}

func (c *Connection) releaseID(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Connection) deliver(resp *jsonrpc.Response) {
	id, ok := numericID(resp.ID)
	if !ok {
		c.logger.Debug("dropping response with non-numeric id")
		return
	}
	c.pendingMu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown id", zap.Int64("id", id))
		return
	}
	call.ch <- resp
}

// failPending wakes every waiter on conn. The socket is gone so no reply can
// arrive for them.
func (c *Connection) failPending(conn *websocket.Conn) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, call := range c.pending {
		if call.conn != conn {
			continue
		}
		delete(c.pending, id)
		close(call.ch)
	}
}

func numericID(id jsonrpc.ID) (int64, bool) {
	switch v := id.Raw().(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	defer c.recoverPanic("read loop")
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed peer message", zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			c.deliver(m)
		case *jsonrpc.Request:
			c.handleInbound(conn, m)
		}
	}
	c.handleClosed(conn, readErr)
}

func (c *Connection) handleInbound(conn *websocket.Conn, req *jsonrpc.Request) {
	if !req.ID.IsValid() {
		if req.Method == domain.NotificationToolListChanged {
			go c.refreshTools(conn)
		}
		return
	}
	resp := &jsonrpc.Response{ID: req.ID}
	if req.Method == domain.MethodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &jsonrpc.Error{Code: domain.ErrCodeMethodNotFound, Message: "Method not found"}
	}
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, wire)
	c.writeMu.Unlock()
}

func (c *Connection) refreshTools(conn *websocket.Conn) {
	defer c.recoverPanic("refresh tools")
	tools, err := c.listTools(c.ctx, conn)
	if err != nil {
		c.logger.Warn("peer tool refresh failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	c.mu.Unlock()
	c.emit(domain.SourceEventToolsChanged)
}

func (c *Connection) handleClosed(conn *websocket.Conn, err error) {
	c.failPending(conn)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if closed || !wasConnected {
		return
	}
	c.logger.Warn("peer disconnected",
		telemetry.EventField(telemetry.EventPeerDisconnect),
		zap.Error(err),
	)
	c.emit(domain.SourceEventPeerDisconnected)
	c.scheduleReconnect()
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting || c.gaveUp {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	go c.reconnectLoop()
}

func (c *Connection) reconnectLoop() {
	defer c.recoverPanic("reconnect")

	// A successful Connect clears reconnecting itself; every other exit
	// clears it here.
	for {
		c.mu.Lock()
		if c.closed {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		delay, ok := c.backoff.Delay(c.attempts)
		if !ok {
			c.gaveUp = true
			c.reconnecting = false
			attempts := c.attempts
			c.mu.Unlock()
			c.logger.Error("peer reconnect abandoned",
				telemetry.EventField(telemetry.EventPeerGaveUp),
				telemetry.AttemptField(attempts),
			)
			c.metrics.ObservePeerReconnect(c.sourceID, "gave_up")
			c.emit(domain.SourceEventPeerGaveUp)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.logger.Info("peer reconnect scheduled",
			telemetry.EventField(telemetry.EventPeerReconnect),
			telemetry.AttemptField(attempt),
			zap.Duration("delay", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		case <-timer.C:
		}

		if err := c.Connect(c.ctx); err != nil {
			c.metrics.ObservePeerReconnect(c.sourceID, "failure")
			c.logger.Warn("peer reconnect failed",
				telemetry.EventField(telemetry.EventPeerReconnect),
				telemetry.AttemptField(attempt),
				zap.Error(err),
			)
			continue
		}
		c.metrics.ObservePeerReconnect(c.sourceID, "success")
		return
	}
}

func (c *Connection) emit(kind domain.SourceEventKind) {
	if c.events == nil {
		return
	}
	c.events.EmitSourceEvent(domain.SourceEvent{Kind: kind, SourceID: c.sourceID, At: time.Now()})
}

func (c *Connection) recoverPanic(where string) {
	if r := recover(); r != nil {
		c.logger.Error("peer goroutine panic",
			telemetry.EventField(telemetry.EventPanicRecovered),
			zap.String("where", where),
			zap.Any("panic", r),
		)
	}
}

var _ domain.PeerConnection = (*Connection)(nil)
