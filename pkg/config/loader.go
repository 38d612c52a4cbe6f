package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file type: %s", filepath.Ext(path))
	}
}

// Loader parses configuration documents, checks them against the CUE
// schema and validates the decoded struct.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schema.
func NewLoader() *Loader {
	return &Loader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load reads the file at path. An empty path returns the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, l.Validate(cfg)
	}
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.Parse(data, format, path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data on top of the defaults. name is used in error
// positions.
func (l *Loader) Parse(data []byte, format Format, name string) (*Config, error) {
	var doc []byte
	switch format {
	case FormatYAML:
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		if err := l.schemas.ValidateAgainstSchema("config", raw); err != nil {
			return nil, schemaError(err)
		}
		doc = data

	case FormatCUE:
		val := l.schemas.Context().CompileBytes(data, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, schemaError(err)
		}
		unified, err := l.schemas.Unify("config", val)
		if err != nil {
			return nil, schemaError(err)
		}
		// JSON is valid YAML, so CUE documents share the YAML decoding of
		// durations and defaults.
		doc, err = unified.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to export cue: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	cfg := Default()
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and the cross-field rules of the
// quota and telemetry sections.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Quota.Validate(); err != nil {
		return fmt.Errorf("invalid quota policy: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// schemaError flattens CUE errors into one message with positions.
func schemaError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := e.Error()
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), msg)
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
