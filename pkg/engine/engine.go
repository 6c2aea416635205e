package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getrelayd/relayd/pkg/auth"
	"github.com/getrelayd/relayd/pkg/config"
	"github.com/getrelayd/relayd/pkg/event"
	"github.com/getrelayd/relayd/pkg/graphql"
	"github.com/getrelayd/relayd/pkg/logging"
	"github.com/getrelayd/relayd/pkg/metrics"
	"github.com/getrelayd/relayd/pkg/pubsub"
	"github.com/getrelayd/relayd/pkg/store"
	"github.com/getrelayd/relayd/pkg/tcp"
	"github.com/getrelayd/relayd/pkg/ws"
)

// Engine assembles and runs the whole server: repositories, broker, event
// bus and bridge, the TCP listener, and the HTTP surface carrying the
// WebSocket and GraphQL endpoints.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	users    store.UserRepository
	messages store.MessageRepository
	verifier *auth.JWTVerifier
	broker   *pubsub.Broker
	bus      *event.Bus
	bridge   *event.Bridge

	manager    *tcp.Manager
	handler    *tcp.Handler
	tcpServer  *tcp.Server
	wsEndpoint *ws.Endpoint
	gqlHandler *graphql.Handler

	httpServer *http.Server
	httpLn     net.Listener

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// New wires an engine from configuration. Nothing starts until Start.
func New(cfg config.Config, log *slog.Logger) (*Engine, error) {
	if result := cfg.Validate(); !result.IsValid() {
		return nil, fmt.Errorf("invalid configuration:\n%s", result.Error())
	}
	if log == nil {
		logCfg := logging.Config{
			Level:  logging.ParseLevel(cfg.Log.Level),
			Format: logging.ParseFormat(cfg.Log.Format),
		}
		if cfg.Log.LokiURL != "" {
			log = logging.NewWithLoki(logCfg, cfg.Log.LokiURL, map[string]string{"service": "relayd"})
		} else {
			log = logging.New(logCfg)
		}
	}

	metrics.Init()

	users := store.NewMemoryUserRepository()
	messages := store.NewMemoryMessageRepository()
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)

	adapter, err := buildAdapter(cfg.PubSub, log)
	if err != nil {
		return nil, err
	}
	broker := pubsub.NewBroker(adapter, log)

	bus := event.NewBus(log)
	bridge := event.NewBridge(bus, broker, log)

	manager := tcp.NewManager(tcp.ManagerConfig{
		MaxConnections:      cfg.TCP.MaxConnections,
		MaxConnectionsPerIP: cfg.TCP.MaxConnectionsPerIP,
	}, log)

	handler := tcp.NewHandler(tcp.HandlerConfig{
		MaxFrameSize:      cfg.TCP.MaxFrameSize,
		PublishRatePerSec: cfg.TCP.PublishRatePerSec,
		PublishBurst:      cfg.TCP.PublishBurst,
	}, manager, broker, verifier, users, log)

	eng := &Engine{
		cfg:      cfg,
		log:      log,
		users:    users,
		messages: messages,
		verifier: verifier,
		broker:   broker,
		bus:      bus,
		bridge:   bridge,
		manager:  manager,
		handler:  handler,
	}

	if cfg.TCP.Enabled {
		eng.tcpServer = tcp.NewServer(tcp.ServerConfig{
			Host:              cfg.TCP.Host,
			Port:              cfg.TCP.Port,
			MaxFrameSize:      cfg.TCP.MaxFrameSize,
			PingInterval:      cfg.TCP.PingIntervalDuration(),
			PingTimeout:       cfg.TCP.PingTimeoutDuration(),
			KeepAliveInterval: cfg.TCP.KeepAliveIntervalDuration(),
			DrainTimeout:      cfg.TCP.DrainTimeoutDuration(),
		}, manager, handler, log)
	}

	if cfg.WebSocket.Enabled {
		eng.wsEndpoint = ws.NewEndpoint(ws.Config{
			MaxMessageSize: int64(cfg.WebSocket.MaxMessageSize),
			WriteTimeout:   cfg.WebSocket.WriteTimeoutDuration(),
			OriginPatterns: cfg.WebSocket.OriginPatterns,
		}, handler, log)
	}

	if cfg.GraphQL.Enabled {
		eng.gqlHandler, err = graphql.NewHandler(broker, verifier, log)
		if err != nil {
			return nil, err
		}
	}

	eng.httpServer = &http.Server{
		Handler:           eng.buildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return eng, nil
}

// buildAdapter selects the broker backend.
func buildAdapter(cfg config.PubSubConfig, log *slog.Logger) (pubsub.Adapter, error) {
	switch cfg.Adapter {
	case "memory":
		return pubsub.NewMemoryAdapter(pubsub.MemoryAdapterConfig{
			MaxMessages: cfg.Memory.MaxMessages,
		}, log), nil
	case "mqtt":
		return pubsub.NewMQTTAdapter(pubsub.MQTTAdapterConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Port:      cfg.MQTT.Port,
			QoS:       byte(cfg.MQTT.QoS),
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown pubsub adapter %q", cfg.Adapter)
	}
}

// Start connects the broker, initialises the bridge, and brings up the TCP
// and HTTP listeners.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}

	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	e.bridge.Init()

	if e.tcpServer != nil {
		if err := e.tcpServer.Start(ctx); err != nil {
			e.bridge.Close()
			_ = e.broker.Disconnect(ctx)
			return fmt.Errorf("start tcp server: %w", err)
		}
	}

	httpAddr := net.JoinHostPort(e.cfg.Server.Host, strconv.Itoa(e.cfg.Server.Port))
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		if e.tcpServer != nil {
			_ = e.tcpServer.Stop(ctx)
		}
		e.bridge.Close()
		_ = e.broker.Disconnect(ctx)
		return fmt.Errorf("bind http listener: %w", err)
	}
	e.httpLn = ln

	go func() {
		if serveErr := e.httpServer.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			e.log.Error("http server stopped", "error", serveErr)
		}
	}()

	e.running = true
	e.startedAt = time.Now()
	e.log.Info("engine started",
		"httpAddr", ln.Addr().String(),
		"tcpEnabled", e.cfg.TCP.Enabled,
		"adapter", e.cfg.PubSub.Adapter)
	return nil
}

// Stop tears the engine down: new work is refused first, live sessions are
// drained, streams are cancelled, and the broker disconnects last.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.running = false

	var errs []error

	// HTTP first so no new sessions upgrade while draining.
	if err := e.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if e.tcpServer != nil {
		if err := e.tcpServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tcp stop: %w", err))
		}
	}
	// WebSocket sessions share the manager; with the TCP server gone (or
	// absent) any remaining sessions are closed here.
	e.manager.CloseAll(e.cfg.TCP.DrainTimeoutDuration())

	if e.gqlHandler != nil {
		e.gqlHandler.CloseAll("server shutting down")
	}

	e.bridge.Close()
	e.bus.Wait()

	if err := e.broker.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker disconnect: %w", err))
	}

	e.log.Info("engine stopped", "uptime", time.Since(e.startedAt).Round(time.Millisecond))
	return errors.Join(errs...)
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (e *Engine) HTTPAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpLn == nil {
		return ""
	}
	return e.httpLn.Addr().String()
}

// TCPAddr returns the bound TCP protocol address, or "" when disabled.
func (e *Engine) TCPAddr() string {
	if e.tcpServer == nil {
		return ""
	}
	return e.tcpServer.Addr()
}

// Users exposes the user repository for seeding and the CLI.
func (e *Engine) Users() store.UserRepository { return e.users }

// Bus exposes the event bus for business operations.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Broker exposes the pub/sub facade.
func (e *Engine) Broker() *pubsub.Broker { return e.broker }
