package tcp

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getrelayd/relayd/internal/id"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/store"
)

// ManagerConfig bounds the connection population.
type ManagerConfig struct {
	// MaxConnections is the global connection cap. Zero means unlimited.
	MaxConnections int

	// MaxConnectionsPerIP is the per-IP cap. Zero means unlimited.
	MaxConnectionsPerIP int
}

// Manager tracks every live session across transports. It owns four
// indexes: byID, byIP, byUser (populated on authentication) and byTopic
// (mirroring each connection's subscription map). All index mutations are
// serialised under one mutex; send paths snapshot under RLock and write
// outside the lock.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.RWMutex
	byID    map[string]*Conn
	byIP    map[string]map[string]struct{}
	byUser  map[string]map[string]struct{}
	byTopic map[string]map[string]struct{}

	accepted atomic.Int64
	rejected atomic.Int64
	started  time.Time
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		byID:    make(map[string]*Conn),
		byIP:    make(map[string]map[string]struct{}),
		byUser:  make(map[string]map[string]struct{}),
		byTopic: make(map[string]map[string]struct{}),
		started: time.Now(),
	}
}

// Add registers a new connection for the given socket. The per-IP cap is
// checked before the global cap so the caller can tell the two apart, and
// both are checked before any index insertion. The caller wires up the
// socket's read plumbing after Add returns.
func (m *Manager) Add(sock Socket, transport string) (*Conn, error) {
	conn := newConn(id.ULID(), transport, sock)

	m.mu.Lock()
	if m.cfg.MaxConnectionsPerIP > 0 && len(m.byIP[conn.remoteIP]) >= m.cfg.MaxConnectionsPerIP {
		m.mu.Unlock()
		m.rejected.Add(1)
		m.connMetric(transport, "rejected")
		return nil, ErrIPLimit
	}
	if m.cfg.MaxConnections > 0 && len(m.byID) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.rejected.Add(1)
		m.connMetric(transport, "rejected")
		return nil, ErrConnectionLimit
	}

	m.byID[conn.id] = conn
	if m.byIP[conn.remoteIP] == nil {
		m.byIP[conn.remoteIP] = make(map[string]struct{})
	}
	m.byIP[conn.remoteIP][conn.id] = struct{}{}
	m.mu.Unlock()

	m.accepted.Add(1)
	m.connMetric(transport, "accepted")
	if metrics.ActiveConnections != nil {
		if vec, err := metrics.ActiveConnections.WithLabels(transport); err == nil {
			vec.Inc()
		}
	}

	m.log.Debug("connection added", "connId", conn.id, "transport", transport, "remoteIp", conn.remoteIP)
	return conn, nil
}

// Remove unregisters a connection from all indexes. Idempotent. Broker
// subscriptions are not touched: the session handler unsubscribes before
// calling Remove.
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	conn, ok := m.byID[connID]
	if !ok {
		m.mu.Unlock()
		return
	}

	delete(m.byID, connID)

	if ips, ok := m.byIP[conn.remoteIP]; ok {
		delete(ips, connID)
		if len(ips) == 0 {
			delete(m.byIP, conn.remoteIP)
		}
	}

	conn.mu.RLock()
	userID := conn.userID
	topics := make([]string, 0, len(conn.subs))
	for topic := range conn.subs {
		topics = append(topics, topic)
	}
	conn.mu.RUnlock()

	if userID != "" {
		if users, ok := m.byUser[userID]; ok {
			delete(users, connID)
			if len(users) == 0 {
				delete(m.byUser, userID)
			}
		}
	}
	for _, topic := range topics {
		if conns, ok := m.byTopic[topic]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(m.byTopic, topic)
			}
		}
	}
	m.mu.Unlock()

	if metrics.ActiveConnections != nil {
		if vec, err := metrics.ActiveConnections.WithLabels(conn.transport); err == nil {
			vec.Dec()
		}
	}
	m.log.Debug("connection removed", "connId", connID)
}

// Get returns a connection by ID, or nil.
func (m *Manager) Get(connID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[connID]
}

// Authenticate marks a connection as owned by a user and indexes it under
// byUser. No-op if the connection is gone.
func (m *Manager) Authenticate(connID, userID string, user *store.User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connID]
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.userID = userID
	conn.user = user
	conn.mu.Unlock()

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]struct{})
	}
	m.byUser[userID][connID] = struct{}{}
}

// AddSubscription records a broker subscription for (connection, topic) and
// mirrors it into byTopic. At most one subscription per topic per
// connection.
func (m *Manager) AddSubscription(connID, topic, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connID]
	if !ok {
		return ErrConnectionNotFound
	}

	conn.mu.Lock()
	if _, exists := conn.subs[topic]; exists {
		conn.mu.Unlock()
		return ErrAlreadySubscribed
	}
	conn.subs[topic] = subID
	conn.mu.Unlock()

	if m.byTopic[topic] == nil {
		m.byTopic[topic] = make(map[string]struct{})
	}
	m.byTopic[topic][connID] = struct{}{}
	return nil
}

// RemoveSubscription drops the (connection, topic) subscription and returns
// the broker subscription ID that was held.
func (m *Manager) RemoveSubscription(connID, topic string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byID[connID]
	if !ok {
		return "", ErrConnectionNotFound
	}

	conn.mu.Lock()
	subID, exists := conn.subs[topic]
	if !exists {
		conn.mu.Unlock()
		return "", ErrNotSubscribed
	}
	delete(conn.subs, topic)
	conn.mu.Unlock()

	if conns, ok := m.byTopic[topic]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.byTopic, topic)
		}
	}
	return subID, nil
}

// UpdateActivity bumps the connection's last-activity time. No-op if gone.
func (m *Manager) UpdateActivity(connID string) {
	m.mu.RLock()
	conn := m.byID[connID]
	m.mu.RUnlock()
	if conn != nil {
		conn.Touch()
	}
}

// SendTo writes to one connection. Returns false if the connection is
// missing, closed, or the write failed.
func (m *Manager) SendTo(connID string, data []byte) bool {
	m.mu.RLock()
	conn := m.byID[connID]
	m.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return false
	}
	if err := conn.Send(data); err != nil {
		m.log.Debug("send failed", "connId", connID, "error", err)
		return false
	}
	return true
}

// Broadcast writes to every authenticated, open connection and returns the
// number of successful sends.
func (m *Manager) Broadcast(data []byte) int {
	conns := m.snapshot(func(c *Conn) bool { return c.Authenticated() })

	sent := 0
	for _, conn := range conns {
		if conn.IsClosed() {
			continue
		}
		if err := conn.Send(data); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastToTopic writes to every connection subscribed to the exact topic
// string and returns the number of successful sends.
func (m *Manager) BroadcastToTopic(topic string, data []byte) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.byTopic[topic]))
	for connID := range m.byTopic[topic] {
		ids = append(ids, connID)
	}
	m.mu.RUnlock()

	sent := 0
	for _, connID := range ids {
		if m.SendTo(connID, data) {
			sent++
		}
	}
	return sent
}

// ConnectionsForUser returns the IDs of a user's live connections.
func (m *Manager) ConnectionsForUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byUser[userID]))
	for connID := range m.byUser[userID] {
		ids = append(ids, connID)
	}
	return ids
}

// RemoveStale closes the socket of every connection idle longer than
// maxIdle and returns the number closed. Index removal and broker
// unsubscribe run through the normal disconnect path once the session's
// read loop observes the closed socket.
func (m *Manager) RemoveStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	stale := m.snapshot(func(c *Conn) bool { return c.LastActivity().Before(cutoff) })

	for _, conn := range stale {
		m.log.Info("evicting stale connection",
			"connId", conn.id, "idle", time.Since(conn.LastActivity()).Round(time.Millisecond))
		_ = conn.Close()
	}
	return len(stale)
}

// CloseAll drains the connection set: every socket is asked to close, then
// the call waits up to timeout for the disconnect paths to empty the
// indexes. Whatever is left is dropped forcibly.
func (m *Manager) CloseAll(timeout time.Duration) {
	conns := m.snapshot(nil)
	for _, conn := range conns {
		_ = conn.Close()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Count() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	leftover := len(m.byID)
	for _, conn := range m.byID {
		if metrics.ActiveConnections != nil {
			if vec, err := metrics.ActiveConnections.WithLabels(conn.transport); err == nil {
				vec.Dec()
			}
		}
	}
	m.byID = make(map[string]*Conn)
	m.byIP = make(map[string]map[string]struct{})
	m.byUser = make(map[string]map[string]struct{})
	m.byTopic = make(map[string]map[string]struct{})
	m.mu.Unlock()

	if leftover > 0 {
		m.log.Warn("drain timeout, connections dropped", "count", leftover)
	}
}

// Count returns the number of tracked connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// snapshot copies the connection set, optionally filtered, without holding
// the lock during sends.
func (m *Manager) snapshot(keep func(*Conn) bool) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Conn, 0, len(m.byID))
	for _, conn := range m.byID {
		if keep == nil || keep(conn) {
			conns = append(conns, conn)
		}
	}
	return conns
}

// ManagerStats is a read-only counters snapshot.
type ManagerStats struct {
	ActiveConnections int            `json:"activeConnections"`
	Authenticated     int            `json:"authenticated"`
	TopicsTracked     int            `json:"topicsTracked"`
	ByIP              map[string]int `json:"byIp"`
	TotalAccepted     int64          `json:"totalAccepted"`
	TotalRejected     int64          `json:"totalRejected"`
	Uptime            string         `json:"uptime"`
}

// Stats returns counts and a per-IP breakdown.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	byIP := make(map[string]int, len(m.byIP))
	for ip, conns := range m.byIP {
		byIP[ip] = len(conns)
	}
	authenticated := 0
	for _, conn := range m.byID {
		if conn.Authenticated() {
			authenticated++
		}
	}
	active := len(m.byID)
	topics := len(m.byTopic)
	m.mu.RUnlock()

	return ManagerStats{
		ActiveConnections: active,
		Authenticated:     authenticated,
		TopicsTracked:     topics,
		ByIP:              byIP,
		TotalAccepted:     m.accepted.Load(),
		TotalRejected:     m.rejected.Load(),
		Uptime:            time.Since(m.started).String(),
	}
}

// ConnectionInfos returns a snapshot of every connection.
func (m *Manager) ConnectionInfos() []ConnInfo {
	conns := m.snapshot(nil)
	infos := make([]ConnInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}

func (m *Manager) connMetric(transport, result string) {
	if metrics.ConnectionsTotal == nil {
		return
	}
	if vec, err := metrics.ConnectionsTotal.WithLabels(transport, result); err == nil {
		_ = vec.Inc()
	}
}
