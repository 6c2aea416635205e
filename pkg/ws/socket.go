package ws

import (
	"context"
	"net"
	"time"

	websocket "github.com/coder/websocket"

	"github.com/getrelayd/relayd/pkg/tcp"
)

// Interface compliance check.
var _ tcp.Socket = (*wsSocket)(nil)

// wsSocket adapts a WebSocket connection to the session Socket interface so
// the connection manager and handler treat both transports alike. Every
// write is one JSON text frame.
type wsSocket struct {
	conn         *websocket.Conn
	addr         net.Addr
	writeTimeout time.Duration
}

func (s *wsSocket) Write(p []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, p)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *wsSocket) RemoteAddr() net.Addr { return s.addr }

// wsAddr carries the upgrade request's RemoteAddr through net.Addr.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
