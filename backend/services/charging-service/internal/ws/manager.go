package ws

import (
	"context"
	"sync"
	"time"
)

// Manager tracks driver connections. A driver may hold several at once.
type Manager struct {
	mu           sync.RWMutex
	connections  map[string]map[*Connection]struct{}
	pingInterval time.Duration
}

// NewManager builds connection manager.
func NewManager(pingInterval time.Duration) *Manager {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Manager{
		connections:  make(map[string]map[*Connection]struct{}),
		pingInterval: pingInterval,
	}
}

// Add registers new connection.
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.connections[conn.UserID()]
	if !ok {
		set = make(map[*Connection]struct{})
		m.connections[conn.UserID()] = set
	}
	set[conn] = struct{}{}
}

// Remove removes connection.
func (m *Manager) Remove(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.connections[conn.UserID()]
	delete(set, conn)
	if len(set) == 0 {
		delete(m.connections, conn.UserID())
	}
}

// SendToUser queues msg on every connection of userID and returns how many got it.
func (m *Manager) SendToUser(userID string, msg []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sent := 0
	for conn := range m.connections[userID] {
		if conn.Send(msg) {
			sent++
		}
	}
	return sent
}

// Count returns the number of open connections of userID.
func (m *Manager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections[userID])
}

// Start begins ping loop to keep connections active.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return nil
		case <-ticker.C:
			m.mu.RLock()
			for _, set := range m.connections {
				for conn := range set {
					_ = conn.Ping()
				}
			}
			m.mu.RUnlock()
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, set := range m.connections {
		for conn := range set {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}
