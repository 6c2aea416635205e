package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
	ErrEmptyFile    = errors.New("configuration file is empty")
)

// Load reads, merges, validates, and decodes a configuration file.
//
// Pipeline: read the file, resolve its include globs and merge the
// fragments beneath it, validate the merged document against the JSON
// schema, decode over Default, apply RELAYD_* environment overrides, and
// run semantic validation.
func Load(path string) (*Config, error) {
	doc, err := loadDocument(path)
	if err != nil {
		return nil, err
	}

	merged, err := resolveIncludes(path, doc)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(merged); err != nil {
		return nil, err
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if result := cfg.Validate(); !result.IsValid() {
		return nil, fmt.Errorf("invalid configuration:\n%s", result.Error())
	}
	return cfg, nil
}

// loadDocument reads one YAML file into a raw document.
func loadDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// resolveIncludes expands the document's include globs and merges the
// fragments in match order, with the including file's own values winning.
// Fragments may not themselves include further files.
func resolveIncludes(path string, doc map[string]any) (map[string]any, error) {
	rawIncludes, ok := doc["include"]
	if !ok {
		return doc, nil
	}
	delete(doc, "include")

	patterns, ok := rawIncludes.([]any)
	if !ok {
		return nil, fmt.Errorf("include: expected a list of glob patterns, got %T", rawIncludes)
	}

	dir := filepath.Dir(path)
	var files []string
	for _, raw := range patterns {
		pattern, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("include: expected a string pattern, got %T", raw)
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("include: bad pattern %q: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	merged := map[string]any{}
	for _, file := range files {
		fragment, err := loadDocument(file)
		if err != nil {
			return nil, fmt.Errorf("include %s: %w", file, err)
		}
		if _, nested := fragment["include"]; nested {
			return nil, fmt.Errorf("include %s: nested includes are not supported", file)
		}
		merge(merged, fragment)
	}
	merge(merged, doc)
	return merged, nil
}

// merge overlays src onto dst, recursing into nested mappings.
func merge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				merge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// decode turns a validated document into a Config over the defaults, so
// absent keys keep their default values.
func decode(doc map[string]any) (*Config, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode config document: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays RELAYD_* environment variables onto cfg. Load calls
// this itself; it is exported for running without a config file.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.Getenv)
}

// applyEnv overlays RELAYD_* environment variables onto the config.
// getenv is injected for testability.
func applyEnv(cfg *Config, getenv func(string) string) error {
	setString := func(target *string) func(string) error {
		return func(v string) error {
			*target = v
			return nil
		}
	}
	setInt := func(target *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("expected an integer, got %q", v)
			}
			*target = n
			return nil
		}
	}
	setBool := func(target *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("expected a boolean, got %q", v)
			}
			*target = b
			return nil
		}
	}

	overrides := map[string]func(string) error{
		"RELAYD_SERVER_HOST":                setString(&cfg.Server.Host),
		"RELAYD_SERVER_PORT":                setInt(&cfg.Server.Port),
		"RELAYD_TCP_ENABLED":                setBool(&cfg.TCP.Enabled),
		"RELAYD_TCP_HOST":                   setString(&cfg.TCP.Host),
		"RELAYD_TCP_PORT":                   setInt(&cfg.TCP.Port),
		"RELAYD_TCP_MAX_CONNECTIONS":        setInt(&cfg.TCP.MaxConnections),
		"RELAYD_TCP_MAX_CONNECTIONS_PER_IP": setInt(&cfg.TCP.MaxConnectionsPerIP),
		"RELAYD_TCP_MAX_FRAME_SIZE":         setInt(&cfg.TCP.MaxFrameSize),
		"RELAYD_WEBSOCKET_ENABLED":          setBool(&cfg.WebSocket.Enabled),
		"RELAYD_GRAPHQL_ENABLED":            setBool(&cfg.GraphQL.Enabled),
		"RELAYD_PUBSUB_ADAPTER":             setString(&cfg.PubSub.Adapter),
		"RELAYD_PUBSUB_MQTT_BROKER_URL":     setString(&cfg.PubSub.MQTT.BrokerURL),
		"RELAYD_PUBSUB_MQTT_CLIENT_ID":      setString(&cfg.PubSub.MQTT.ClientID),
		"RELAYD_AUTH_JWT_SECRET":            setString(&cfg.Auth.JWTSecret),
		"RELAYD_AUTH_ISSUER":                setString(&cfg.Auth.Issuer),
		"RELAYD_LOG_LEVEL":                  setString(&cfg.Log.Level),
		"RELAYD_LOG_FORMAT":                 setString(&cfg.Log.Format),
		"RELAYD_LOG_LOKI_URL":               setString(&cfg.Log.LokiURL),
	}

	// Apply in stable order so error messages are deterministic.
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := getenv(key)
		if value == "" {
			continue
		}
		if err := overrides[key](value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}
