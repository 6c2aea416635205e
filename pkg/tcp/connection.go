package tcp

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getrelayd/relayd/pkg/store"
)

// Socket is the transport underneath a managed connection. The TCP server
// wraps net.Conn; the WebSocket endpoint wraps its upgraded connection so
// both transports share one manager.
type Socket interface {
	// Write sends one complete protocol unit (a binary frame or a JSON
	// text message) to the peer.
	Write(p []byte) error

	// Close tears the transport down. Must be safe to call more than once.
	Close() error

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr
}

// Transport label values for connections.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Conn is one live client session. The socket and the subscription map are
// exclusively owned by the connection; only the manager and the session's
// own handler mutate them.
type Conn struct {
	id          string
	transport   string
	sock        Socket
	remoteIP    string
	remotePort  int
	connectedAt time.Time

	lastActivity atomic.Value // time.Time
	closed       atomic.Bool
	writeMu      sync.Mutex

	mu       sync.RWMutex
	userID   string
	user     *store.User
	subs     map[string]string // topic -> broker subscription ID
	metadata map[string]any
}

func newConn(id, transport string, sock Socket) *Conn {
	ip, port := splitAddr(sock.RemoteAddr())
	c := &Conn{
		id:          id,
		transport:   transport,
		sock:        sock,
		remoteIP:    ip,
		remotePort:  port,
		connectedAt: time.Now(),
		subs:        make(map[string]string),
		metadata:    make(map[string]any),
	}
	c.lastActivity.Store(c.connectedAt)
	return c
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ID returns the unique connection ID.
func (c *Conn) ID() string { return c.id }

// Transport returns the transport label (tcp or websocket).
func (c *Conn) Transport() string { return c.transport }

// RemoteIP returns the peer IP used for per-IP capping.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// RemotePort returns the peer port.
func (c *Conn) RemotePort() int { return c.remotePort }

// ConnectedAt returns the connection establishment time.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last inbound activity.
func (c *Conn) LastActivity() time.Time {
	v := c.lastActivity.Load()
	t, ok := v.(time.Time)
	if !ok {
		return c.connectedAt
	}
	return t
}

// Touch records inbound activity.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now())
}

// UserID returns the authenticated user ID, or "" before AUTH.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// User returns the authenticated user, or nil before AUTH.
func (c *Conn) User() *store.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Authenticated reports whether the connection has completed AUTH.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// SubscriptionID returns the broker subscription ID held for topic.
func (c *Conn) SubscriptionID(topic string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subID, ok := c.subs[topic]
	return subID, ok
}

// Subscriptions returns a snapshot of the topic -> subscription ID map.
func (c *Conn) Subscriptions() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(map[string]string, len(c.subs))
	for topic, subID := range c.subs {
		snapshot[topic] = subID
	}
	return snapshot
}

// SetMetadata sets a metadata value.
func (c *Conn) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Metadata returns a copy of the connection metadata.
func (c *Conn) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		meta[k] = v
	}
	return meta
}

// IsClosed reports whether Close has been called.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Send writes one protocol unit to the socket. Writes are serialised so
// concurrent senders (handler replies, broker forwarders, ping sweep)
// cannot interleave frames.
func (c *Conn) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sock.Write(p)
}

// Close closes the socket. Idempotent; the first call wins.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return ErrConnectionClosed
	}
	return c.sock.Close()
}

// Info returns public information about this connection.
func (c *Conn) Info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}

	return ConnInfo{
		ID:           c.id,
		Transport:    c.transport,
		RemoteAddr:   net.JoinHostPort(c.remoteIP, strconv.Itoa(c.remotePort)),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
		UserID:       c.userID,
		Topics:       topics,
	}
}

// ConnInfo is a read-only snapshot of a connection.
type ConnInfo struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	RemoteAddr   string    `json:"remoteAddr"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	UserID       string    `json:"userId,omitempty"`
	Topics       []string  `json:"topics,omitempty"`
}
