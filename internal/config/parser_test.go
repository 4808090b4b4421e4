package config

import (
	"strings"
	"testing"

	"tunneld/internal/api"
)

// TestParseValidDocument tests decoding and defaulting of a complete document
func TestParseValidDocument(t *testing.T) {
	doc := `
enable: true
package: /opt/wstunnel/bin/wstunnel
servers:
  web:
    listen: {host: 0.0.0.0, port: 443}
    restrict_to: {host: 127.0.0.1, port: 8080}
    use_acme_host: example.com
clients:
  vpn:
    connect_to: {host: example.com, port: 443}
    local_to_remote:
      - local: {host: 127.0.0.1, port: 8080}
        remote: {host: 127.0.0.1, port: 9090}
    udp: true
`
	cfg, diags, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("Unexpected diagnostics: %v", diags)
	}

	if !cfg.Enable {
		t.Error("Expected enable to be true")
	}
	if cfg.Package != "/opt/wstunnel/bin/wstunnel" {
		t.Errorf("Expected package override, got %q", cfg.Package)
	}

	server := cfg.Servers["web"]
	if server == nil {
		t.Fatal("Expected servers.web")
	}
	if !server.Enabled() || !server.Autostarted() || !server.HTTPS() {
		t.Error("Expected enable/auto_start/enable_https to default to true")
	}
	if server.RestrictTo == nil || server.RestrictTo.Port != 8080 {
		t.Errorf("Expected restrict_to port 8080, got %+v", server.RestrictTo)
	}

	client := cfg.Clients["vpn"]
	if client == nil {
		t.Fatal("Expected clients.vpn")
	}
	if client.UDPTimeoutSeconds == nil || *client.UDPTimeoutSeconds != 30 {
		t.Errorf("Expected udp_timeout_seconds default 30, got %v", client.UDPTimeoutSeconds)
	}
	if len(client.LocalToRemote) != 1 {
		t.Fatalf("Expected 1 forwarding rule, got %d", len(client.LocalToRemote))
	}
}

// TestParseEmptyDocument tests that an empty file is a valid no-op config
func TestParseEmptyDocument(t *testing.T) {
	cfg, diags, err := Parse(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(diags) != 0 {
		t.Fatalf("Unexpected diagnostics: %v", diags)
	}
	if cfg.Enable {
		t.Error("Expected enable to default to false")
	}
}

// TestParseUnknownKey tests strict decoding outside the passthrough maps
func TestParseUnknownKey(t *testing.T) {
	doc := `
servers:
  web:
    listen: {host: 0.0.0.0, port: 8080}
    listne_typo: true
`
	_, _, err := Parse([]byte(doc))
	if err == nil {
		t.Fatal("Expected error for unknown key but got none")
	}
	if !strings.Contains(err.Error(), "listne_typo") {
		t.Errorf("Expected the unknown key in the error, got %q", err.Error())
	}
}

// TestParseMalformedYAML tests handling of syntactically broken input
func TestParseMalformedYAML(t *testing.T) {
	_, _, err := Parse([]byte("servers:\n  web: [unclosed"))
	if err == nil {
		t.Fatal("Expected error for malformed YAML but got none")
	}
	if !strings.Contains(err.Error(), "failed to parse YAML") {
		t.Errorf("Expected YAML parsing error, got %q", err.Error())
	}
}

// TestValidateCollectsEverything tests that one pass reports every
// violation across all entries, not just the first
func TestValidateCollectsEverything(t *testing.T) {
	doc := `
enable: true
servers:
  bad-tls:
    listen: {host: 0.0.0.0, port: 443}
    tls_certificate: /etc/ssl/cert.pem
  no-listen:
    enable_https: false
clients:
  empty: {}
`
	_, diags, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(diags) < 4 {
		t.Fatalf("Expected at least 4 diagnostics, got %d: %v", len(diags), diags)
	}

	wantEntries := map[string]bool{
		"servers.bad-tls":   false, // cert without key
		"servers.no-listen": false, // missing listen
		"clients.empty":     false, // missing connect_to and forwardings
	}
	for _, d := range diags {
		if d.Kind != api.ErrorKindSchemaViolation {
			t.Errorf("Expected schema_violation, got %s for %s", d.Kind, d.Entry)
		}
		if _, ok := wantEntries[d.Entry]; ok {
			wantEntries[d.Entry] = true
		}
	}
	for entry, seen := range wantEntries {
		if !seen {
			t.Errorf("Expected a diagnostic for %s", entry)
		}
	}
}

// TestValidateInvariants tests the three cross-field rules one by one
func TestValidateInvariants(t *testing.T) {
	tests := []struct {
		name        string
		doc         string
		expectedErr string
	}{
		{
			name: "acme and manual tls are exclusive",
			doc: `
servers:
  web:
    listen: {host: 0.0.0.0, port: 443}
    use_acme_host: example.com
    tls_certificate: /etc/ssl/cert.pem
    tls_key: /etc/ssl/key.pem
`,
			expectedErr: "mutually exclusive",
		},
		{
			name: "certificate requires key",
			doc: `
servers:
  web:
    listen: {host: 0.0.0.0, port: 443}
    tls_certificate: /etc/ssl/cert.pem
`,
			expectedErr: "must be set together",
		},
		{
			name: "key requires certificate",
			doc: `
servers:
  web:
    listen: {host: 0.0.0.0, port: 443}
    tls_key: /etc/ssl/key.pem
`,
			expectedErr: "must be set together",
		},
		{
			name: "client must forward something",
			doc: `
clients:
  idle:
    connect_to: {host: example.com, port: 443}
`,
			expectedErr: "at least one local_to_remote rule or a dynamic_to_remote endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, diags, err := Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(diags) == 0 {
				t.Fatal("Expected diagnostics but got none")
			}
			found := false
			for _, d := range diags {
				if strings.Contains(d.Message, tt.expectedErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a diagnostic containing %q, got %v", tt.expectedErr, diags)
			}
		})
	}
}

// TestValidateAcceptsDynamicOnly tests that a SOCKS-only client is valid
func TestValidateAcceptsDynamicOnly(t *testing.T) {
	doc := `
clients:
  socks:
    connect_to: {host: example.com, port: 443}
    dynamic_to_remote: {host: 127.0.0.1, port: 1080}
`
	_, diags, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(diags) != 0 {
		t.Errorf("Unexpected diagnostics: %v", diags)
	}
}

// TestValidateUDPTimeout tests the -1 sentinel and the zero rejection
func TestValidateUDPTimeout(t *testing.T) {
	tests := []struct {
		name      string
		timeout   int
		expectErr bool
	}{
		{"no timeout sentinel", -1, false},
		{"positive", 600, false},
		{"zero", 0, true},
		{"below sentinel", -5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := tt.timeout
			cfg := &api.TunnelsConfig{
				Clients: map[string]*api.ClientConfig{
					"c": {
						ConnectTo:         api.Endpoint{Host: "example.com", Port: 443},
						DynamicToRemote:   &api.Endpoint{Host: "127.0.0.1", Port: 1080},
						UDPTimeoutSeconds: &timeout,
					},
				},
			}
			SetDefaults(cfg)
			diags := Validate(cfg)
			if tt.expectErr && len(diags) == 0 {
				t.Error("Expected a diagnostic but got none")
			}
			if !tt.expectErr && len(diags) != 0 {
				t.Errorf("Unexpected diagnostics: %v", diags)
			}
		})
	}
}

// TestValidateEntryNames tests the unit-name-safe charset
func TestValidateEntryNames(t *testing.T) {
	tests := []struct {
		name      string
		entryName string
		expectErr bool
	}{
		{"simple", "vpn", false},
		{"with digits and hyphens", "site-2-backup", false},
		{"leading digit", "0vpn", false},
		{"uppercase", "VPN", true},
		{"underscore", "my_vpn", true},
		{"leading hyphen", "-vpn", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &api.TunnelsConfig{
				Servers: map[string]*api.ServerConfig{
					tt.entryName: {Listen: api.Endpoint{Host: "0.0.0.0", Port: 8080}},
				},
			}
			SetDefaults(cfg)
			diags := Validate(cfg)
			if tt.expectErr && len(diags) == 0 {
				t.Errorf("Expected a diagnostic for name %q but got none", tt.entryName)
			}
			if !tt.expectErr && len(diags) != 0 {
				t.Errorf("Unexpected diagnostics for name %q: %v", tt.entryName, diags)
			}
		})
	}
}

// TestValidateNullEntry tests a name with no body
func TestValidateNullEntry(t *testing.T) {
	doc := `
servers:
  hollow:
`
	_, diags, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(diags) != 1 {
		t.Fatalf("Expected 1 diagnostic, got %d: %v", len(diags), diags)
	}
	if diags[0].Entry != "servers.hollow" || !strings.Contains(diags[0].Message, "mapping") {
		t.Errorf("Unexpected diagnostic: %v", diags[0])
	}
}

// TestValidateDisabledEntryStillChecked tests that enable:false does
// not hide a broken entry
func TestValidateDisabledEntryStillChecked(t *testing.T) {
	doc := `
servers:
  broken:
    enable: false
    tls_certificate: /etc/ssl/cert.pem
`
	_, diags, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(diags) == 0 {
		t.Fatal("Expected diagnostics for the disabled entry")
	}
}

// TestSerializeRoundTrip tests that a parsed document survives re-marshaling
func TestSerializeRoundTrip(t *testing.T) {
	doc := `
enable: true
clients:
  vpn:
    connect_to: {host: example.com, port: 443}
    dynamic_to_remote: {host: 127.0.0.1, port: 1080}
    extra_args:
      zz: true
      aa: value
`
	cfg, diags, err := Parse([]byte(doc))
	if err != nil || len(diags) != 0 {
		t.Fatalf("Unexpected parse result: err=%v diags=%v", err, diags)
	}

	data, err := Serialize(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	again, diags, err := Parse(data)
	if err != nil || len(diags) != 0 {
		t.Fatalf("Unexpected reparse result: err=%v diags=%v", err, diags)
	}
	extra := again.Clients["vpn"].ExtraArgs
	if len(extra) != 2 || extra[0].Name != "zz" || extra[1].Name != "aa" {
		t.Errorf("Round trip lost extra_args order: %+v", extra)
	}
}
