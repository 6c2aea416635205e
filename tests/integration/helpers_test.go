package integration

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/config"
	"github.com/getrelayd/relayd/pkg/engine"
	"github.com/getrelayd/relayd/pkg/store"
	"github.com/getrelayd/relayd/pkg/wire"
)

const testSecret = "integration-secret"

// startServer brings up a full engine on ephemeral ports.
func startServer(t *testing.T) *engine.Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.TCP.Host = "127.0.0.1"
	cfg.TCP.Port = 0
	cfg.Auth.JWTSecret = testSecret
	cfg.Log.Level = "error"

	eng, err := engine.New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return eng
}

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret), "").Issue(userID, time.Minute)
	require.NoError(t, err)
	return token
}

// seedUser registers a user so AUTH can resolve it.
func seedUser(t *testing.T, eng *engine.Engine, userID, username string) {
	t.Helper()
	err := eng.Users().Create(context.Background(), &store.User{ID: userID, Username: username})
	require.NoError(t, err)
}

// tcpClient speaks the binary protocol over a real socket.
type tcpClient struct {
	t      *testing.T
	conn   net.Conn
	parser *wire.Parser
	codec  *wire.Codec
}

func dialTCP(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &tcpClient{
		t:      t,
		conn:   conn,
		parser: wire.NewParser(0),
		codec:  wire.NewCodec(0),
	}
}

func (c *tcpClient) send(typ wire.MsgType, payload any) {
	c.t.Helper()
	frame, err := c.codec.Encode(typ, payload)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

// expect reads frames until one of the wanted type arrives. Unrelated
// frames (keepalive pings) are skipped.
func (c *tcpClient) expect(typ wire.MsgType) wire.Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(c.t, c.conn.SetReadDeadline(deadline))

	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := c.conn.Read(buf)
		require.NoError(c.t, err, "waiting for %s", typ)

		frames, _ := c.parser.Feed(buf[:n])
		for _, frame := range frames {
			msg, err := c.codec.Decode(frame)
			require.NoError(c.t, err)
			if msg.Type == typ {
				return msg
			}
			if msg.Type == wire.TypeError {
				c.t.Fatalf("expected %s, got ERROR: %s", typ, msg.Data)
			}
		}
	}
	c.t.Fatalf("timed out waiting for %s", typ)
	return wire.Message{}
}

func (c *tcpClient) authenticate(userID string) {
	c.t.Helper()
	c.send(wire.TypeAuth, wire.AuthPayload{Token: mintToken(c.t, userID)})
	msg := c.expect(wire.TypeAuthSuccess)

	var payload wire.AuthSuccessPayload
	require.NoError(c.t, json.Unmarshal(msg.Data, &payload))
	require.Equal(c.t, userID, payload.UserID)
}

func (c *tcpClient) subscribe(topic string) {
	c.t.Helper()
	c.send(wire.TypeSubscribe, wire.SubscribePayload{Topic: topic})
	c.expect(wire.TypeSubscribed)
}

// wsClient is a JSON session over the /ws endpoint.
type wsClient struct {
	t    *testing.T
	conn *gorilla.Conn
}

func dialWS(t *testing.T, httpAddr string) *wsClient {
	t.Helper()
	conn, resp, err := gorilla.DefaultDialer.Dial("ws://"+httpAddr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// expect reads messages until one of the wanted type arrives.
func (c *wsClient) expect(msgType string) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(c.t, c.conn.SetReadDeadline(deadline))

	for time.Now().Before(deadline) {
		var msg map[string]any
		require.NoError(c.t, c.conn.ReadJSON(&msg), "waiting for %s", msgType)
		switch msg["type"] {
		case msgType:
			return msg
		case "error", "auth_error":
			c.t.Fatalf("expected %s, got %v", msgType, msg)
		}
	}
	c.t.Fatalf("timed out waiting for %s", msgType)
	return nil
}

func (c *wsClient) authenticate(userID string) {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "token": mintToken(c.t, userID)})
	msg := c.expect("auth_success")
	require.Equal(c.t, userID, msg["userId"])
}

func (c *wsClient) subscribe(topic string) {
	c.t.Helper()
	c.send(map[string]any{"type": "subscribe", "topic": topic})
	c.expect("subscribed")
}
