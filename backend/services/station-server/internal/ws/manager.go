// Package ws pushes engine events to browser and app clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
)

// Manager tracks subscribed clients.
type Manager struct {
	mu           sync.RWMutex
	clients      map[*Connection]struct{}
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewManager builds connection manager.
func NewManager(pingInterval time.Duration, logger *zap.Logger) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients:      make(map[*Connection]struct{}),
		pingInterval: pingInterval,
		logger:       logger.Named("ws"),
	}
}

// Add registers new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[conn] = struct{}{}
}

// Remove removes connection.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, conn)
}

// Len returns the number of subscribed clients.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Send implements notify.Sink. Clients bound to a user only see that user's events.
func (m *Manager) Send(_ context.Context, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for conn := range m.clients {
		if conn.Wants(ev) {
			conn.Send(data)
		}
	}
	return nil
}

// Start begins ping loop to keep connections active.
func (m *Manager) Start(ctx context.Context) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-ticker.C:
			m.mu.RLock()
			for conn := range m.clients {
				_ = conn.Ping()
			}
			m.mu.RUnlock()
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	clients := make([]*Connection, 0, len(m.clients))
	for conn := range m.clients {
		clients = append(clients, conn)
	}
	m.mu.Unlock()
	for _, conn := range clients {
		conn.Close()
	}
}
