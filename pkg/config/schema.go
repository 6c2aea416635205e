package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaJSON is the structural schema for the configuration file. It
// rejects unknown keys so typos fail at load time instead of silently
// falling back to defaults. Cross-field rules live in Config.Validate.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "include": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "shutdownTimeout": {"type": "integer", "minimum": 0}
      }
    },
    "tcp": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "maxConnections": {"type": "integer", "minimum": 1},
        "maxConnectionsPerIp": {"type": "integer", "minimum": 1},
        "maxFrameSize": {"type": "integer", "minimum": 5},
        "pingInterval": {"type": "integer", "minimum": 1},
        "pingTimeout": {"type": "integer", "minimum": 1},
        "keepAliveInterval": {"type": "integer", "minimum": 1},
        "drainTimeout": {"type": "integer", "minimum": 0},
        "publishRatePerSec": {"type": "number", "minimum": 0},
        "publishBurst": {"type": "integer", "minimum": 1}
      }
    },
    "websocket": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "path": {"type": "string", "minLength": 1},
        "maxMessageSize": {"type": "integer", "minimum": 1},
        "writeTimeout": {"type": "integer", "minimum": 1},
        "originPatterns": {
          "type": "array",
          "items": {"type": "string", "minLength": 1}
        }
      }
    },
    "graphql": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "path": {"type": "string", "minLength": 1}
      }
    },
    "pubsub": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "adapter": {"enum": ["memory", "mqtt"]},
        "memory": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "maxMessages": {"type": "integer", "minimum": 1}
          }
        },
        "mqtt": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "brokerUrl": {"type": "string"},
            "clientId": {"type": "string"},
            "port": {"type": "integer", "minimum": 0, "maximum": 65535},
            "qos": {"type": "integer", "minimum": 0, "maximum": 2}
          }
        }
      }
    },
    "auth": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "jwtSecret": {"type": "string"},
        "issuer": {"type": "string"},
        "tokenTtl": {"type": "integer", "minimum": 1}
      }
    },
    "log": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["text", "json"]},
        "lokiUrl": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("relayd-config.json", schemaJSON)
	})
	return schema, schemaErr
}

// validateSchema checks a raw config document against the embedded schema.
// The document is round-tripped through JSON so YAML-native types line up
// with what the validator expects.
func validateSchema(doc map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalise config document: %w", err)
	}
	var normalised any
	if err := json.Unmarshal(data, &normalised); err != nil {
		return fmt.Errorf("normalise config document: %w", err)
	}

	if err := s.Validate(normalised); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
