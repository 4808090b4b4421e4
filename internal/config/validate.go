package config

import (
	"regexp"

	"tunneld/internal/api"
)

var (
	// Entry names become systemd unit name components, so the charset
	// is restricted accordingly.
	entryNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
)

const maxEntryNameLength = 64

// Validate checks every entry against the schema and the cross-field
// rules, collecting all violations. It is pure: no I/O, no logging.
// Disabled entries are still validated so a broken one cannot hide.
func Validate(cfg *api.TunnelsConfig) api.Diagnostics {
	var diags api.Diagnostics

	for _, name := range cfg.ServerNames() {
		validateServer(name, cfg.Servers[name], &diags)
	}
	for _, name := range cfg.ClientNames() {
		validateClient(name, cfg.Clients[name], &diags)
	}

	return diags
}

func validateServer(name string, cfg *api.ServerConfig, diags *api.Diagnostics) {
	entry := api.ServiceKindServer.Entry(name)
	validateEntryName(entry, name, diags)

	if cfg == nil {
		diags.Add(entry, api.ErrorKindSchemaViolation, "entry must be a mapping")
		return
	}

	validateEndpoint(entry, "listen", cfg.Listen, diags)
	if cfg.RestrictTo != nil {
		validateEndpoint(entry, "restrict_to", *cfg.RestrictTo, diags)
	}

	hasCert := cfg.TLSCertificate != ""
	hasKey := cfg.TLSKey != ""
	if cfg.UseACMEHost != "" && (hasCert || hasKey) {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"use_acme_host and tls_certificate/tls_key are mutually exclusive")
	}
	if hasCert != hasKey {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"tls_certificate and tls_key must be set together")
	}
}

func validateClient(name string, cfg *api.ClientConfig, diags *api.Diagnostics) {
	entry := api.ServiceKindClient.Entry(name)
	validateEntryName(entry, name, diags)

	if cfg == nil {
		diags.Add(entry, api.ErrorKindSchemaViolation, "entry must be a mapping")
		return
	}

	validateEndpoint(entry, "connect_to", cfg.ConnectTo, diags)
	for i, rule := range cfg.LocalToRemote {
		validateRule(entry, i, rule, diags)
	}
	if cfg.DynamicToRemote != nil {
		validateEndpoint(entry, "dynamic_to_remote", *cfg.DynamicToRemote, diags)
	}

	if len(cfg.LocalToRemote) == 0 && cfg.DynamicToRemote == nil {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"at least one local_to_remote rule or a dynamic_to_remote endpoint is required")
	}

	if timeout := cfg.UDPTimeout(); timeout == 0 || timeout < -1 {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"udp_timeout_seconds must be positive or -1, got %d", timeout)
	}
}

func validateEntryName(entry, name string, diags *api.Diagnostics) {
	if !entryNameRegex.MatchString(name) {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"name must contain only lowercase letters, numbers, and hyphens, and must not start with a hyphen")
		return
	}
	if len(name) > maxEntryNameLength {
		diags.Add(entry, api.ErrorKindSchemaViolation,
			"name must be %d characters or less", maxEntryNameLength)
	}
}

func validateEndpoint(entry, field string, e api.Endpoint, diags *api.Diagnostics) {
	if e.Host == "" {
		diags.Add(entry, api.ErrorKindSchemaViolation, "%s.host is required", field)
	}
	if e.Port == 0 {
		diags.Add(entry, api.ErrorKindSchemaViolation, "%s.port must be between 1 and 65535", field)
	}
}

func validateRule(entry string, index int, rule api.ForwardingRule, diags *api.Diagnostics) {
	if rule.Local.Host == "" {
		diags.Add(entry, api.ErrorKindSchemaViolation, "local_to_remote[%d].local.host is required", index)
	}
	if rule.Local.Port == 0 {
		diags.Add(entry, api.ErrorKindSchemaViolation, "local_to_remote[%d].local.port must be between 1 and 65535", index)
	}
	if rule.Remote.Host == "" {
		diags.Add(entry, api.ErrorKindSchemaViolation, "local_to_remote[%d].remote.host is required", index)
	}
	if rule.Remote.Port == 0 {
		diags.Add(entry, api.ErrorKindSchemaViolation, "local_to_remote[%d].remote.port must be between 1 and 65535", index)
	}
}
