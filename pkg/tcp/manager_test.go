package tcp

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getrelayd/relayd/pkg/store"
)

// fakeSocket is an in-memory Socket that records writes.
type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	addr   net.Addr
}

func newFakeSocket(ip string, port int) *fakeSocket {
	return &fakeSocket{
		addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: port},
	}
}

func (f *fakeSocket) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) RemoteAddr() net.Addr { return f.addr }

func (f *fakeSocket) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestManagerAddAndGet(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	conn, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)
	require.NotNil(t, conn)

	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, TransportTCP, conn.Transport())
	assert.Equal(t, "10.0.0.1", conn.RemoteIP())
	assert.Equal(t, 5000, conn.RemotePort())
	assert.False(t, conn.Authenticated())

	assert.Same(t, conn, m.Get(conn.ID()))
	assert.Equal(t, 1, m.Count())
}

func TestManagerGlobalCap(t *testing.T) {
	m := NewManager(ManagerConfig{MaxConnections: 2}, nil)

	_, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)
	_, err = m.Add(newFakeSocket("10.0.0.2", 5000), TransportTCP)
	require.NoError(t, err)

	_, err = m.Add(newFakeSocket("10.0.0.3", 5000), TransportTCP)
	assert.ErrorIs(t, err, ErrConnectionLimit)

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalAccepted)
	assert.Equal(t, int64(1), stats.TotalRejected)
}

func TestManagerPerIPCapCheckedFirst(t *testing.T) {
	// Both caps are saturated; the per-IP error must win so callers can
	// tell a hot IP apart from a full server.
	m := NewManager(ManagerConfig{MaxConnections: 1, MaxConnectionsPerIP: 1}, nil)

	_, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)

	_, err = m.Add(newFakeSocket("10.0.0.1", 5001), TransportTCP)
	assert.ErrorIs(t, err, ErrIPLimit)

	// A different IP over the global cap gets the global error.
	_, err = m.Add(newFakeSocket("10.0.0.2", 5000), TransportTCP)
	assert.ErrorIs(t, err, ErrConnectionLimit)
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	conn, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)

	m.Remove(conn.ID())
	assert.Nil(t, m.Get(conn.ID()))
	assert.Equal(t, 0, m.Count())

	m.Remove(conn.ID())
	assert.Equal(t, 0, m.Count())
}

func TestManagerAuthenticateIndexesByUser(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	a, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)
	b, err := m.Add(newFakeSocket("10.0.0.1", 5001), TransportWebSocket)
	require.NoError(t, err)

	user := &store.User{ID: "user-1", Username: "ana"}
	m.Authenticate(a.ID(), user.ID, user)
	m.Authenticate(b.ID(), user.ID, user)

	assert.True(t, a.Authenticated())
	assert.Equal(t, "user-1", a.UserID())
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, m.ConnectionsForUser("user-1"))

	m.Remove(a.ID())
	assert.Equal(t, []string{b.ID()}, m.ConnectionsForUser("user-1"))

	m.Remove(b.ID())
	assert.Empty(t, m.ConnectionsForUser("user-1"))
}

func TestManagerSubscriptionIndex(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	conn, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)

	require.NoError(t, m.AddSubscription(conn.ID(), "orders.*", "sub-1"))
	assert.ErrorIs(t, m.AddSubscription(conn.ID(), "orders.*", "sub-2"), ErrAlreadySubscribed)

	subID, ok := conn.SubscriptionID("orders.*")
	require.True(t, ok)
	assert.Equal(t, "sub-1", subID)

	removed, err := m.RemoveSubscription(conn.ID(), "orders.*")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", removed)

	_, err = m.RemoveSubscription(conn.ID(), "orders.*")
	assert.ErrorIs(t, err, ErrNotSubscribed)

	_, err = m.RemoveSubscription("missing", "orders.*")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestManagerBroadcastSkipsUnauthenticated(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	authedSock := newFakeSocket("10.0.0.1", 5000)
	authed, err := m.Add(authedSock, TransportTCP)
	require.NoError(t, err)
	m.Authenticate(authed.ID(), "user-1", &store.User{ID: "user-1"})

	anonSock := newFakeSocket("10.0.0.2", 5000)
	_, err = m.Add(anonSock, TransportTCP)
	require.NoError(t, err)

	sent := m.Broadcast([]byte("hello"))
	assert.Equal(t, 1, sent)
	assert.Len(t, authedSock.Writes(), 1)
	assert.Empty(t, anonSock.Writes())
}

func TestManagerBroadcastToTopic(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	subSock := newFakeSocket("10.0.0.1", 5000)
	sub, err := m.Add(subSock, TransportTCP)
	require.NoError(t, err)
	require.NoError(t, m.AddSubscription(sub.ID(), "alerts", "sub-1"))

	otherSock := newFakeSocket("10.0.0.2", 5000)
	_, err = m.Add(otherSock, TransportTCP)
	require.NoError(t, err)

	sent := m.BroadcastToTopic("alerts", []byte("fire"))
	assert.Equal(t, 1, sent)
	assert.Len(t, subSock.Writes(), 1)
	assert.Empty(t, otherSock.Writes())

	assert.Zero(t, m.BroadcastToTopic("unknown", []byte("x")))
}

func TestManagerRemoveStaleClosesButKeepsTracking(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	staleSock := newFakeSocket("10.0.0.1", 5000)
	staleConn, err := m.Add(staleSock, TransportTCP)
	require.NoError(t, err)
	staleConn.lastActivity.Store(time.Now().Add(-time.Hour))

	freshSock := newFakeSocket("10.0.0.2", 5000)
	fresh, err := m.Add(freshSock, TransportTCP)
	require.NoError(t, err)
	fresh.Touch()

	evicted := m.RemoveStale(time.Minute)
	assert.Equal(t, 1, evicted)
	assert.True(t, staleSock.Closed())
	assert.False(t, freshSock.Closed())

	// Index removal is the disconnect path's job, not the sweep's.
	assert.Equal(t, 2, m.Count())
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	socks := []*fakeSocket{
		newFakeSocket("10.0.0.1", 5000),
		newFakeSocket("10.0.0.2", 5000),
	}
	for _, sock := range socks {
		_, err := m.Add(sock, TransportTCP)
		require.NoError(t, err)
	}

	m.CloseAll(50 * time.Millisecond)

	for _, sock := range socks {
		assert.True(t, sock.Closed())
	}
	assert.Equal(t, 0, m.Count())
}

func TestConnSendAfterCloseFails(t *testing.T) {
	m := NewManager(ManagerConfig{}, nil)

	conn, err := m.Add(newFakeSocket("10.0.0.1", 5000), TransportTCP)
	require.NoError(t, err)

	require.NoError(t, conn.Send([]byte("ok")))
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send([]byte("nope")), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Close(), ErrConnectionClosed)
	assert.False(t, m.SendTo(conn.ID(), []byte("nope")))
}
