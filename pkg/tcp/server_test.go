package tcp

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getrelayd/relayd/pkg/wire"
)

type serverFixture struct {
	*handlerFixture
	server *Server
}

func newServerFixture(t *testing.T, managerCfg ManagerConfig, serverCfg ServerConfig) *serverFixture {
	t.Helper()

	fx := newHandlerFixture(t, HandlerConfig{MaxFrameSize: serverCfg.MaxFrameSize})
	fx.manager = NewManager(managerCfg, nil)
	fx.handler = NewHandler(HandlerConfig{MaxFrameSize: serverCfg.MaxFrameSize}, fx.manager, fx.broker, fx.verifier, fx.users, nil)

	serverCfg.Host = "127.0.0.1"
	serverCfg.Port = 0
	server := NewServer(serverCfg, fx.manager, fx.handler, nil)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	return &serverFixture{handlerFixture: fx, server: server}
}

func (fx *serverFixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fx.server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, typ wire.MsgType, payload any) {
	t.Helper()
	frame, err := wire.NewCodec(0).Encode(typ, payload)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// readFrames reads from the socket until n complete frames arrive.
func readFrames(t *testing.T, conn net.Conn, n int) []wire.Message {
	t.Helper()

	parser := wire.NewParser(0)
	codec := wire.NewCodec(0)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msgs []wire.Message
	buf := make([]byte, 4096)
	for len(msgs) < n {
		nr, err := conn.Read(buf)
		if nr > 0 {
			frames, feedErr := parser.Feed(buf[:nr])
			require.NoError(t, feedErr)
			for _, frame := range frames {
				decoded, decErr := codec.Decode(frame)
				require.NoError(t, decErr)
				msgs = append(msgs, decoded)
			}
		}
		if err != nil {
			t.Fatalf("read failed after %d frames: %v", len(msgs), err)
		}
	}
	return msgs
}

func TestServerAuthSubscribePublish(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{}, ServerConfig{})

	subscriber := fx.dial(t)
	token, err := fx.verifier.Issue("user-1", time.Minute)
	require.NoError(t, err)

	writeFrame(t, subscriber, wire.TypeAuth, wire.AuthPayload{Token: token})
	msgs := readFrames(t, subscriber, 1)
	require.Equal(t, wire.TypeAuthSuccess, msgs[0].Type)

	writeFrame(t, subscriber, wire.TypeSubscribe, wire.SubscribePayload{Topic: "news.**"})
	msgs = readFrames(t, subscriber, 1)
	require.Equal(t, wire.TypeSubscribed, msgs[0].Type)

	publisher := fx.dial(t)
	writeFrame(t, publisher, wire.TypeAuth, wire.AuthPayload{Token: token})
	readFrames(t, publisher, 1)

	writeFrame(t, publisher, wire.TypeMessage, wire.MessagePayload{
		Topic:   "news.tech.go",
		Content: "release",
	})

	msgs = readFrames(t, subscriber, 1)
	require.Equal(t, wire.TypeServerMessage, msgs[0].Type)

	var delivered wire.ServerMessagePayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &delivered))
	assert.Equal(t, "news.tech.go", delivered.Topic)
	assert.Equal(t, "release", delivered.Content)
}

func TestServerPingPong(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{}, ServerConfig{})

	conn := fx.dial(t)
	writeFrame(t, conn, wire.TypePing, wire.PingPayload{Timestamp: 42})

	msgs := readFrames(t, conn, 1)
	require.Equal(t, wire.TypePong, msgs[0].Type)

	var payload wire.PongPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, int64(42), payload.Timestamp)
}

func TestServerOversizedFrameClosesConnection(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{}, ServerConfig{MaxFrameSize: 1024})

	conn := fx.dial(t)

	// A length prefix past the cap; no body needed, the prefix alone is
	// fatal.
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 4096)
	_, err := conn.Write(header)
	require.NoError(t, err)

	msgs := readFrames(t, conn, 1)
	require.Equal(t, wire.TypeError, msgs[0].Type)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, CodeFrameTooLarge, payload.Code)

	// The stream is poisoned; the server hangs up.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerInvalidTypeKeepsConnection(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{}, ServerConfig{})

	conn := fx.dial(t)

	// frameSize 1, unknown type byte 0x7E.
	bad := []byte{0x00, 0x00, 0x00, 0x01, 0x7E}
	_, err := conn.Write(bad)
	require.NoError(t, err)

	msgs := readFrames(t, conn, 1)
	require.Equal(t, wire.TypeError, msgs[0].Type)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, CodeInvalidMessageType, payload.Code)

	// The stream stays usable.
	writeFrame(t, conn, wire.TypePing, wire.PingPayload{Timestamp: 7})
	msgs = readFrames(t, conn, 1)
	assert.Equal(t, wire.TypePong, msgs[0].Type)
}

func TestServerConnectionCap(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{MaxConnections: 1}, ServerConfig{})

	first := fx.dial(t)
	// Round-trip to guarantee the first connection is registered.
	writeFrame(t, first, wire.TypePing, wire.PingPayload{Timestamp: 1})
	readFrames(t, first, 1)

	second := fx.dial(t)
	msgs := readFrames(t, second, 1)
	require.Equal(t, wire.TypeError, msgs[0].Type)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, CodeConflict, payload.Code)
}

func TestServerStop(t *testing.T) {
	fx := newServerFixture(t, ManagerConfig{}, ServerConfig{DrainTimeout: 200 * time.Millisecond})

	conn := fx.dial(t)
	writeFrame(t, conn, wire.TypePing, wire.PingPayload{Timestamp: 1})
	readFrames(t, conn, 1)

	require.NoError(t, fx.server.Stop(context.Background()))
	assert.False(t, fx.server.IsRunning())

	// The client observes the hangup.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.Error(t, err)

	// Stopping twice is a no-op.
	require.NoError(t, fx.server.Stop(context.Background()))
}
