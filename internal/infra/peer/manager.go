package peer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"unimcp/internal/domain"
)

// ManagerOptions configures connections created by a Manager.
type ManagerOptions struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	ConnectTimeout time.Duration
	ListTimeout    time.Duration
	CallTimeout    time.Duration
	Logger         *zap.Logger
	Metrics        domain.Metrics
	Events         domain.SourceEventEmitter
}

// Manager owns one Connection per websocket source.
type Manager struct {
	opts   ManagerOptions
	logger *zap.Logger

	mu    sync.RWMutex
	peers map[string]*Connection
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Logger = logger
	return &Manager{
		opts:   opts,
		logger: logger.Named("peers"),
		peers:  make(map[string]*Connection),
	}
}

// Attach creates the connection for a websocket source and starts connecting
// when the source is enabled. Other source kinds are ignored.
func (m *Manager) Attach(src domain.Source) {
	access, ok := src.Access.(domain.WebSocketPeer)
	if !ok {
		return
	}

	m.mu.Lock()
	if _, exists := m.peers[src.ID]; exists {
		m.mu.Unlock()
		return
	}
	conn := NewConnection(Options{
		SourceID:       src.ID,
		URL:            access.URL,
		ConnectTimeout: m.opts.ConnectTimeout,
		ListTimeout:    m.opts.ListTimeout,
		CallTimeout:    m.opts.CallTimeout,
		MaxAttempts:    m.opts.MaxAttempts,
		BaseDelay:      m.opts.BaseDelay,
		Logger:         m.opts.Logger,
		Metrics:        m.opts.Metrics,
		Events:         m.opts.Events,
	})
	m.peers[src.ID] = conn
	m.mu.Unlock()

	if src.Enabled {
		m.logger.Info("connecting peer", zap.String("source", src.ID), zap.String("url", access.URL))
		conn.Start()
	}
}

func (m *Manager) Peer(sourceID string) (domain.PeerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.peers[sourceID]
	if !ok {
		return nil, false
	}
	return conn, true
}

// Connected reports per-source connection state.
func (m *Manager) Connected() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.peers))
	for id, conn := range m.peers {
		out[id] = conn.Connected()
	}
	return out
}

// Close closes every connection and stops their reconnect schedules.
func (m *Manager) Close() error {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*Connection)
	m.mu.Unlock()

	for id, conn := range peers {
		if err := conn.Close(); err != nil {
			m.logger.Warn("peer close failed", zap.String("source", id), zap.Error(err))
		}
	}
	return nil
}

var _ domain.PeerProvider = (*Manager)(nil)
