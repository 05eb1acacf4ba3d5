package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

const schemaURL = "https://leafscan.dev/schemas/config.schema.json"

//go:embed config.schema.json
var schemaJSON []byte

// Environment variables that override the config file.
const (
	EnvPort              = "PORT"
	EnvDebug             = "DEBUG"
	EnvSharedLibraryPath = "ONNXRUNTIME_SHARED_LIBRARY_PATH"
)

// Load returns the defaults when path is empty, otherwise the validated
// contents of path layered over the defaults. Environment overrides are
// applied in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()
	baseDir := "."

	if path != "" {
		loaded, err := LoadAndValidate(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		baseDir = filepath.Dir(path)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	resolveModelPaths(cfg, baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAndValidate reads a YAML config file, checks it against the embedded
// schema and decodes it over the defaults.
func LoadAndValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}

	if raw != nil {
		if err := validateSchema(raw); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	return cfg, nil
}

func validateSchema(raw any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("config: failed to add schema: %w", err)
	}

	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config: failed to compile schema: %w", err)
	}

	// Round-trip through JSON so the validator sees json.Number values.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: failed to encode for validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("config: failed to decode for validation: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if port := os.Getenv(EnvPort); port != "" {
		host, _, err := net.SplitHostPort(cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("config: invalid server address %q: %w", cfg.Server.Addr, err)
		}
		cfg.Server.Addr = net.JoinHostPort(host, port)
	}
	if os.Getenv(EnvDebug) == "true" {
		cfg.Log.Level = "debug"
	}
	if lib := os.Getenv(EnvSharedLibraryPath); lib != "" {
		cfg.Runtime.SharedLibraryPath = lib
	}
	return nil
}

func resolveModelPaths(cfg *Config, baseDir string) {
	for i := range cfg.Models {
		p := ExpandTilde(cfg.Models[i].Path)
		if !filepath.IsAbs(p) {
			p = filepath.Join(baseDir, p)
		}
		cfg.Models[i].Path = filepath.Clean(p)
	}
}

// Validate checks constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Labels) == 0 {
		errs = append(errs, errors.New("at least one label is required"))
	}
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("at least one model is required"))
	}

	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate model name %q", m.Name))
		}
		seen[m.Name] = true

		if m.InputSize <= 0 {
			errs = append(errs, fmt.Errorf("model %q: input_size must be positive", m.Name))
		}
		if m.Layout != "" && m.Layout != "nhwc" && m.Layout != "nchw" {
			errs = append(errs, fmt.Errorf("model %q: unknown layout %q", m.Name, m.Layout))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
