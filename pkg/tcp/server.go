package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/wire"
)

// ServerConfig configures the TCP listener.
type ServerConfig struct {
	// Host to bind. Empty binds all interfaces.
	Host string

	// Port to listen on.
	Port int

	// MaxFrameSize bounds inbound and outbound frames. Zero selects the
	// wire package default (1 MiB).
	MaxFrameSize int

	// PingInterval is the keepalive cadence for authenticated connections.
	PingInterval time.Duration

	// PingTimeout is the idle threshold base; connections idle for more
	// than twice this are evicted.
	PingTimeout time.Duration

	// KeepAliveInterval is the OS-level TCP keepalive period.
	KeepAliveInterval time.Duration

	// DrainTimeout bounds the graceful close of live connections on Stop.
	DrainTimeout time.Duration
}

// staleSweepCap bounds the stale sweep cadence.
const staleSweepCap = 60 * time.Second

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 60 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Server accepts framed TCP sessions and feeds them through the parser,
// codec, and session handler.
type Server struct {
	cfg     ServerConfig
	manager *Manager
	handler *Handler
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	running   atomic.Bool
	draining  atomic.Bool
	startedAt time.Time

	framesParsed   atomic.Int64
	bytesProcessed atomic.Int64
	parseErrors    atomic.Int64
}

// NewServer creates a TCP server.
func NewServer(cfg ServerConfig, manager *Manager, handler *Handler, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		manager: manager,
		handler: handler,
		log:     log,
	}
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Start binds the listener and starts the accept loop and periodic sweeps.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("tcp listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.stopCh = make(chan struct{})
	s.startedAt = time.Now()
	s.draining.Store(false)
	s.mu.Unlock()

	s.wg.Add(3)
	go s.acceptLoop(listener)
	go s.pingLoop()
	go s.staleLoop()

	s.log.Info("tcp server started", "addr", listener.Addr().String())
	return nil
}

// Stop drains the server: new connections are refused, periodic tasks
// stop, and live connections get DrainTimeout to close.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.Swap(false) {
		return nil
	}
	s.draining.Store(true)

	s.mu.Lock()
	listener := s.listener
	stopCh := s.stopCh
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if stopCh != nil {
		close(stopCh)
	}

	s.manager.CloseAll(s.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("tcp server stopped")
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if s.draining.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if s.draining.Load() {
			_ = netConn.Close()
			continue
		}

		if tcpConn, ok := netConn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(s.cfg.KeepAliveInterval)
		}

		conn, err := s.manager.Add(&tcpSocket{conn: netConn}, TransportTCP)
		if err != nil {
			// Cap reached. Tell the client why, then destroy the socket.
			s.log.Info("connection rejected", "remoteAddr", netConn.RemoteAddr().String(), "error", err)
			if frame, encErr := s.handler.Codec().EncodeError(CodeForError(err), err.Error(), nil); encErr == nil {
				_ = (&tcpSocket{conn: netConn}).Write(frame)
			}
			_ = netConn.Close()
			continue
		}

		s.wg.Add(1)
		go s.readLoop(conn, netConn)
	}
}

// readLoop is the single reader for one connection: socket bytes flow
// through the connection's own parser, then the codec, then the handler,
// in arrival order.
func (s *Server) readLoop(conn *Conn, netConn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.handler.Disconnect(conn.ID())
		s.log.Debug("connection closed", "connId", conn.ID())
	}()

	parser := wire.NewParser(s.cfg.MaxFrameSize)
	codec := s.handler.Codec()
	ctx := context.Background()
	buf := make([]byte, 4096)

	for {
		n, err := netConn.Read(buf)
		if n > 0 {
			conn.Touch()
			s.countMessageIn()

			frames, feedErr := parser.Feed(buf[:n])
			for _, frame := range frames {
				msg, decErr := codec.Decode(frame)
				if decErr != nil {
					s.sendDecodeError(conn, decErr)
					continue
				}
				s.handler.HandleFrame(ctx, conn.ID(), msg)
			}

			s.framesParsed.Add(int64(len(frames)))
			s.bytesProcessed.Add(int64(n))

			if feedErr != nil {
				s.parseErrors.Add(1)
				if errors.Is(feedErr, wire.ErrFrameTooLarge) {
					// The stream cannot be trusted past an oversized
					// length prefix. Reply, then drop the connection.
					s.frameErrorMetric("frame_too_large")
					if frame, encErr := codec.EncodeError(CodeFrameTooLarge, "frame exceeds maximum size", nil); encErr == nil {
						_ = conn.Send(frame)
					}
					parser.Reset()
					return
				}
				// Invalid type bytes are skipped in place; the stream
				// stays in sync.
				s.frameErrorMetric("invalid_type")
				if frame, encErr := codec.EncodeError(CodeInvalidMessageType, "invalid message type", nil); encErr == nil {
					_ = conn.Send(frame)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) sendDecodeError(conn *Conn, err error) {
	s.parseErrors.Add(1)
	code := CodeInvalidFrame
	msg := "malformed frame payload"
	if errors.Is(err, wire.ErrInvalidMessageType) {
		code = CodeInvalidMessageType
		msg = "invalid message type"
		s.frameErrorMetric("invalid_type")
	} else {
		s.frameErrorMetric("invalid_frame")
	}
	if frame, encErr := s.handler.Codec().EncodeError(code, msg, nil); encErr == nil {
		_ = conn.Send(frame)
	}
}

// pingLoop sends PING frames to authenticated connections every
// PingInterval.
func (s *Server) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			frame, err := s.handler.Codec().EncodePing(time.Now())
			if err != nil {
				continue
			}
			for _, info := range s.manager.ConnectionInfos() {
				if info.UserID == "" || info.Transport != TransportTCP {
					continue
				}
				s.manager.SendTo(info.ID, frame)
			}
		}
	}
}

// staleLoop evicts connections idle for more than twice the ping timeout.
// Sweep cadence is the ping timeout capped at one minute.
func (s *Server) staleLoop() {
	defer s.wg.Done()

	cadence := s.cfg.PingTimeout
	if cadence > staleSweepCap {
		cadence = staleSweepCap
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if evicted := s.manager.RemoveStale(s.cfg.PingTimeout * 2); evicted > 0 {
				s.log.Info("stale sweep", "evicted", evicted)
			}
		}
	}
}

func (s *Server) countMessageIn() {
	if metrics.MessagesTotal == nil {
		return
	}
	if vec, err := metrics.MessagesTotal.WithLabels(TransportTCP, "inbound"); err == nil {
		_ = vec.Inc()
	}
}

func (s *Server) frameErrorMetric(kind string) {
	if metrics.FrameErrorsTotal == nil {
		return
	}
	if vec, err := metrics.FrameErrorsTotal.WithLabels(TransportTCP, kind); err == nil {
		_ = vec.Inc()
	}
}

// ServerStats is a read-only snapshot of server counters.
type ServerStats struct {
	Running        bool         `json:"running"`
	Addr           string       `json:"addr,omitempty"`
	StartedAt      time.Time    `json:"startedAt,omitempty"`
	FramesParsed   int64        `json:"framesParsed"`
	BytesProcessed int64        `json:"bytesProcessed"`
	ParseErrors    int64        `json:"parseErrors"`
	Handler        HandlerStats `json:"handler"`
	Manager        ManagerStats `json:"manager"`
}

// Stats returns the server's counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Running:        s.running.Load(),
		Addr:           s.Addr(),
		StartedAt:      s.startedAt,
		FramesParsed:   s.framesParsed.Load(),
		BytesProcessed: s.bytesProcessed.Load(),
		ParseErrors:    s.parseErrors.Load(),
		Handler:        s.handler.Stats(),
		Manager:        s.manager.Stats(),
	}
}

// tcpSocket adapts net.Conn to the Socket interface.
type tcpSocket struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (t *tcpSocket) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpSocket) Close() error {
	return t.conn.Close()
}

func (t *tcpSocket) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
