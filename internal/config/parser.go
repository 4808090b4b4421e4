// Package config loads and validates the tunnel endpoint document.
// Validation collects every problem in one pass instead of stopping at
// the first, so operators fix a broken document in one edit.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tunneld/internal/api"
)

// Load reads and parses the document at path.
func Load(path string) (*api.TunnelsConfig, api.Diagnostics, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes one document, applies defaults, and validates it. The
// error covers decode failures (malformed YAML, unknown keys); schema
// problems come back as diagnostics with the document still returned.
func Parse(content []byte) (*api.TunnelsConfig, api.Diagnostics, error) {
	var cfg api.TunnelsConfig

	dec := yaml.NewDecoder(bytes.NewReader(content))
	// Unknown keys are errors everywhere except inside extra_args and
	// custom_headers, which decode their own nodes.
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty document: nothing enabled, nothing to validate.
			return &cfg, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	SetDefaults(&cfg)
	return &cfg, Validate(&cfg), nil
}

// Serialize renders a snapshot back to YAML.
func Serialize(cfg *api.TunnelsConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}

// SetDefaults fills the documented defaults on every entry so later
// stages never see an unset optional.
func SetDefaults(cfg *api.TunnelsConfig) {
	if cfg.Package == "" {
		cfg.Package = api.DefaultPackage
	}

	for _, s := range cfg.Servers {
		if s == nil {
			continue
		}
		if s.Enable == nil {
			s.Enable = boolPtr(true)
		}
		if s.AutoStart == nil {
			s.AutoStart = boolPtr(true)
		}
		if s.EnableHTTPS == nil {
			s.EnableHTTPS = boolPtr(true)
		}
	}

	for _, c := range cfg.Clients {
		if c == nil {
			continue
		}
		if c.Enable == nil {
			c.Enable = boolPtr(true)
		}
		if c.AutoStart == nil {
			c.AutoStart = boolPtr(true)
		}
		if c.EnableHTTPS == nil {
			c.EnableHTTPS = boolPtr(true)
		}
		if c.UDPTimeoutSeconds == nil {
			timeout := api.DefaultUDPTimeoutSeconds
			c.UDPTimeoutSeconds = &timeout
		}
	}
}

func boolPtr(b bool) *bool {
	return &b
}
