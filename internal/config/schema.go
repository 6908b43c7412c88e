package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const durationSchema = `{"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"}`

// configSchema describes the on-disk JSON layout. Unknown top-level sections are rejected.
var configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "assistant": {
      "type": "object",
      "properties": {
        "persona": {"type": "string"},
        "constraints": {"type": "array", "items": {"type": "string"}}
      }
    },
    "session": {
      "type": "object",
      "properties": {
        "driver": {"enum": ["memory", "redis", "sqlite"]},
        "idle_ttl": ` + durationSchema + `,
        "sweep_schedule": {"type": "string"},
        "redis": {
          "type": "object",
          "properties": {
            "addr": {"type": "string"},
            "password": {"type": "string"},
            "db": {"type": "integer", "minimum": 0},
            "prefix": {"type": "string"}
          }
        },
        "sqlite": {"type": "object", "properties": {"path": {"type": "string"}}}
      }
    },
    "context": {
      "type": "object",
      "properties": {
        "max_buffer": {"type": "integer", "minimum": 1},
        "batch_size": {"type": "integer", "minimum": 1}
      }
    },
    "supervisor": {
      "type": "object",
      "properties": {
        "queue_size": {"type": "integer", "minimum": 1},
        "workers": {"type": "integer", "minimum": 1},
        "window": {"type": "integer", "minimum": 1},
        "similarity_threshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
        "repeat_threshold": {"type": "integer", "minimum": 1},
        "hint_directive": {"type": "string", "minLength": 1},
        "dedup_ttl": ` + durationSchema + `,
        "turn_timeout": ` + durationSchema + `,
        "drain_timeout": ` + durationSchema + `
      }
    },
    "retrieval": {
      "type": "object",
      "properties": {
        "backend": {"enum": ["index", "qdrant", "none"]},
        "limit": {"type": "integer", "minimum": 0},
        "min_score": {"type": "number", "minimum": 0, "maximum": 1},
        "filter": {"type": "object", "additionalProperties": {"type": "string"}},
        "timeout": ` + durationSchema + `,
        "paths": {"type": "array", "items": {"type": "string"}},
        "index_path": {"type": "string"},
        "watch": {"type": "boolean"},
        "qdrant": {
          "type": "object",
          "properties": {
            "host": {"type": "string"},
            "port": {"type": "integer", "minimum": 1, "maximum": 65535},
            "api_key": {"type": "string"},
            "use_tls": {"type": "boolean"},
            "collection": {"type": "string"}
          }
        }
      }
    },
    "generation": {
      "type": "object",
      "properties": {
        "model": {"type": "string"},
        "summary_model": {"type": "string"},
        "temperature": {"type": "number", "minimum": 0, "maximum": 1},
        "max_tokens": {"type": "integer", "minimum": 1},
        "timeout": ` + durationSchema + `,
        "cooldown": ` + durationSchema + `
      }
    },
    "ai": {
      "type": "object",
      "properties": {
        "profiles": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "provider"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "provider": {"enum": ["anthropic", "openai", "gemini"]},
              "api_key": {"type": "string"},
              "model": {"type": "string"},
              "priority": {"type": "integer"}
            }
          }
        }
      }
    },
    "embeddings": {
      "type": "object",
      "properties": {
        "provider": {"enum": ["openai", "gemini", "none"]},
        "api_key": {"type": "string"},
        "model": {"type": "string"},
        "cache_size": {"type": "integer", "minimum": 0}
      }
    },
    "safety": {
      "type": "object",
      "properties": {
        "patterns": {"type": "array", "items": {"type": "string"}},
        "keywords": {"type": "array", "items": {"type": "string"}}
      }
    },
    "chitchat": {
      "type": "object",
      "properties": {
        "phrases": {"type": "array", "items": {"type": "string"}},
        "max_words": {"type": "integer", "minimum": 0}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "allowed_origins": {"type": "array", "items": {"type": "string"}},
        "shutdown_timeout": ` + durationSchema + `,
        "requests_per_minute": {"type": "integer", "minimum": 1},
        "max_concurrent": {"type": "integer", "minimum": 1},
        "retry_after": ` + durationSchema + `
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"},
        "audit_file": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ValidateSchema checks a raw JSON config document against the config schema.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("config does not match schema: %s", strings.Join(msgs, "; "))
}
