package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full server configuration. Interval and timeout fields are
// milliseconds in the file; the *Duration accessors convert.
type Config struct {
	// Include lists glob patterns of YAML fragments merged beneath this
	// file. Relative patterns resolve against this file's directory.
	Include []string `yaml:"include,omitempty"`

	Server    ServerConfig    `yaml:"server"`
	TCP       TCPConfig       `yaml:"tcp"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	GraphQL   GraphQLConfig   `yaml:"graphql"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP surface (health, stats, metrics, and the
// WebSocket/GraphQL upgrade endpoints).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown, in milliseconds.
	ShutdownTimeout int `yaml:"shutdownTimeout"`
}

// TCPConfig configures the custom binary protocol listener.
type TCPConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	MaxConnections      int    `yaml:"maxConnections"`
	MaxConnectionsPerIP int    `yaml:"maxConnectionsPerIp"`
	MaxFrameSize        int    `yaml:"maxFrameSize"`

	// PingInterval is the keepalive cadence in milliseconds.
	PingInterval int `yaml:"pingInterval"`

	// PingTimeout is the idle threshold base in milliseconds; connections
	// idle longer than twice this are evicted.
	PingTimeout int `yaml:"pingTimeout"`

	// KeepAliveInterval is the OS-level TCP keepalive in milliseconds.
	KeepAliveInterval int `yaml:"keepAliveInterval"`

	// DrainTimeout bounds connection draining on stop, in milliseconds.
	DrainTimeout int `yaml:"drainTimeout"`

	// PublishRatePerSec limits publishes per connection. Zero disables
	// limiting.
	PublishRatePerSec float64 `yaml:"publishRatePerSec"`
	PublishBurst      int     `yaml:"publishBurst"`
}

// WebSocketConfig configures the JSON session endpoint.
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	MaxMessageSize int      `yaml:"maxMessageSize"`
	WriteTimeout   int      `yaml:"writeTimeout"`
	OriginPatterns []string `yaml:"originPatterns,omitempty"`
}

// GraphQLConfig configures the subscription endpoint.
type GraphQLConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PubSubConfig selects and configures the broker adapter.
type PubSubConfig struct {
	// Adapter is "memory" or "mqtt".
	Adapter string       `yaml:"adapter"`
	Memory  MemoryConfig `yaml:"memory"`
	MQTT    MQTTConfig   `yaml:"mqtt"`
}

// MemoryConfig configures the in-process adapter.
type MemoryConfig struct {
	MaxMessages int `yaml:"maxMessages"`
}

// MQTTConfig configures the MQTT adapter. An empty brokerUrl runs the
// embedded broker.
type MQTTConfig struct {
	BrokerURL string `yaml:"brokerUrl"`
	ClientID  string `yaml:"clientId"`
	Port      int    `yaml:"port"`
	QoS       int    `yaml:"qos"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`

	// TokenTTL is the lifetime of tokens minted by the token command, in
	// seconds.
	TokenTTL int `yaml:"tokenTtl"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// LokiURL, when set, ships log records to a Loki push endpoint in
	// addition to the standard output.
	LokiURL string `yaml:"lokiUrl"`
}

// Default returns the configuration used when keys are absent.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10_000,
		},
		TCP: TCPConfig{
			Enabled:             true,
			Host:                "0.0.0.0",
			Port:                9090,
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			MaxFrameSize:        1 << 20,
			PingInterval:        30_000,
			PingTimeout:         60_000,
			KeepAliveInterval:   30_000,
			DrainTimeout:        5_000,
			PublishBurst:        10,
		},
		WebSocket: WebSocketConfig{
			Enabled:        true,
			Path:           "/ws",
			MaxMessageSize: 1 << 20,
			WriteTimeout:   10_000,
		},
		GraphQL: GraphQLConfig{
			Enabled: true,
			Path:    "/graphql",
		},
		PubSub: PubSubConfig{
			Adapter: "memory",
			Memory:  MemoryConfig{MaxMessages: 1000},
			MQTT:    MQTTConfig{ClientID: "relayd", QoS: 1},
		},
		Auth: AuthConfig{
			TokenTTL: 3600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Duration accessors.

func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Millisecond
}

func (c TCPConfig) PingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

func (c TCPConfig) PingTimeoutDuration() time.Duration {
	return time.Duration(c.PingTimeout) * time.Millisecond
}

func (c TCPConfig) KeepAliveIntervalDuration() time.Duration {
	return time.Duration(c.KeepAliveInterval) * time.Millisecond
}

func (c TCPConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(c.DrainTimeout) * time.Millisecond
}

func (c WebSocketConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Millisecond
}

func (c AuthConfig) TokenTTLDuration() time.Duration {
	return time.Duration(c.TokenTTL) * time.Second
}

// ValidationError is a single semantic configuration error.
type ValidationError struct {
	Path    string // config path, e.g. "tcp.port"
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationResult collects all semantic errors for a Config.
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid reports whether no errors were recorded.
func (r *ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

// AddError records one error.
func (r *ValidationResult) AddError(path, message string) {
	r.Errors = append(r.Errors, ValidationError{Path: path, Message: message})
}

// Error joins all recorded errors.
func (r *ValidationResult) Error() string {
	if r.IsValid() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// Validate checks cross-field rules the JSON schema cannot express.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	validPort := func(path string, port int) {
		if port < 0 || port > 65535 {
			result.AddError(path, fmt.Sprintf("invalid port %d, must be 0-65535", port))
		}
	}
	validPort("server.port", c.Server.Port)
	validPort("tcp.port", c.TCP.Port)
	validPort("pubsub.mqtt.port", c.PubSub.MQTT.Port)

	if c.TCP.Enabled && c.TCP.Port != 0 && c.TCP.Port == c.Server.Port {
		result.AddError("tcp.port", fmt.Sprintf("port %d conflicts with server.port", c.TCP.Port))
	}

	if c.TCP.MaxConnectionsPerIP > c.TCP.MaxConnections {
		result.AddError("tcp.maxConnectionsPerIp",
			fmt.Sprintf("%d exceeds tcp.maxConnections (%d)", c.TCP.MaxConnectionsPerIP, c.TCP.MaxConnections))
	}
	if c.TCP.MaxFrameSize < 5 {
		result.AddError("tcp.maxFrameSize", "must be at least 5 bytes (length prefix + type byte)")
	}

	switch c.PubSub.Adapter {
	case "memory", "mqtt":
	default:
		result.AddError("pubsub.adapter",
			fmt.Sprintf("unknown adapter %q, must be \"memory\" or \"mqtt\"", c.PubSub.Adapter))
	}
	if c.PubSub.MQTT.QoS < 0 || c.PubSub.MQTT.QoS > 2 {
		result.AddError("pubsub.mqtt.qos", fmt.Sprintf("invalid QoS %d, must be 0-2", c.PubSub.MQTT.QoS))
	}

	if c.Auth.JWTSecret == "" {
		result.AddError("auth.jwtSecret", "required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		result.AddError("log.level", fmt.Sprintf("unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		result.AddError("log.format", fmt.Sprintf("unknown format %q, must be \"text\" or \"json\"", c.Log.Format))
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		result.AddError("websocket.path", "must start with /")
	}
	if !strings.HasPrefix(c.GraphQL.Path, "/") {
		result.AddError("graphql.path", "must start with /")
	}

	return result
}
