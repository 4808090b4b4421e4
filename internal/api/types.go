package api

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Endpoint is a host/port pair identifying one side of a connection.
// It is a plain value; two endpoints are equal when both fields match.
type Endpoint struct {
	Host string `yaml:"host" json:"host"`
	Port uint16 `yaml:"port" json:"port"`
}

// String renders the endpoint as "host:port", bracketing IPv6 hosts.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// URI renders the endpoint as a websocket URI, wss:// when secure.
func (e Endpoint) URI(secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + e.String()
}

// IsZero reports whether the endpoint was never set.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ForwardingRule maps one local endpoint to a remote endpoint. The
// order of rules in a client's list is preserved end to end.
type ForwardingRule struct {
	Local  Endpoint `yaml:"local" json:"local"`
	Remote Endpoint `yaml:"remote" json:"remote"`
}

// String renders the rule as the single "lhost:lport:rhost:rport"
// token wstunnel expects.
func (r ForwardingRule) String() string {
	return r.Local.String() + ":" + r.Remote.String()
}

// ExtraArg is one operator-supplied passthrough argument. A boolean
// value renders as a bare switch (--name when true, nothing when
// false); a string value renders as --name=value.
type ExtraArg struct {
	Name  string `json:"name"`
	Flag  *bool  `json:"flag,omitempty"`
	Value string `json:"value,omitempty"`
}

// ExtraArgs preserves the document order of an extra_args mapping so
// rendering stays deterministic. Values are opaque: no schema checks
// beyond the boolean-or-string shape.
type ExtraArgs []ExtraArg

// UnmarshalYAML decodes a YAML mapping into an ordered list. Mapping
// iteration in the yaml package follows document order, which is the
// order operators wrote the arguments in.
func (ea *ExtraArgs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("extra_args must be a mapping")
	}
	out := make(ExtraArgs, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode, valNode := value.Content[i], value.Content[i+1]
		var name string
		if err := keyNode.Decode(&name); err != nil {
			return fmt.Errorf("extra_args key: %w", err)
		}
		arg := ExtraArg{Name: name}
		switch {
		case valNode.Tag == "!!bool":
			var b bool
			if err := valNode.Decode(&b); err != nil {
				return fmt.Errorf("extra_args[%s]: %w", name, err)
			}
			arg.Flag = &b
		case valNode.Kind == yaml.ScalarNode && valNode.Tag != "!!null":
			arg.Value = valNode.Value
		default:
			return fmt.Errorf("extra_args[%s]: value must be a boolean or a string", name)
		}
		out = append(out, arg)
	}
	*ea = out
	return nil
}

// MarshalYAML re-emits the ordered list as a mapping.
func (ea ExtraArgs) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, a := range ea {
		key := &yaml.Node{Kind: yaml.ScalarNode, Value: a.Name}
		var val *yaml.Node
		if a.Flag != nil {
			val = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(*a.Flag)}
		} else {
			val = &yaml.Node{Kind: yaml.ScalarNode, Value: a.Value}
		}
		node.Content = append(node.Content, key, val)
	}
	return node, nil
}

// Header is one custom HTTP header attached to the websocket upgrade
// request.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Token renders the header the way wstunnel's --customHeaders expects.
func (h Header) Token() string {
	return h.Name + ": " + h.Value
}

// Headers preserves the document order of a custom_headers mapping.
type Headers []Header

// UnmarshalYAML decodes a YAML mapping into an ordered list.
func (hs *Headers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("custom_headers must be a mapping")
	}
	out := make(Headers, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode, valNode := value.Content[i], value.Content[i+1]
		var h Header
		if err := keyNode.Decode(&h.Name); err != nil {
			return fmt.Errorf("custom_headers key: %w", err)
		}
		if valNode.Kind != yaml.ScalarNode || valNode.Tag == "!!null" {
			return fmt.Errorf("custom_headers[%s]: value must be a string", h.Name)
		}
		h.Value = valNode.Value
		out = append(out, h)
	}
	*hs = out
	return nil
}

// MarshalYAML re-emits the ordered list as a mapping.
func (hs Headers) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, h := range hs {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: h.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: h.Value})
	}
	return node, nil
}

// ServerConfig declares one listening tunnel endpoint.
type ServerConfig struct {
	Enable          *bool     `yaml:"enable,omitempty" json:"enable,omitempty"`
	AutoStart       *bool     `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	Listen          Endpoint  `yaml:"listen" json:"listen"`
	RestrictTo      *Endpoint `yaml:"restrict_to,omitempty" json:"restrict_to,omitempty"`
	EnableHTTPS     *bool     `yaml:"enable_https,omitempty" json:"enable_https,omitempty"`
	TLSCertificate  string    `yaml:"tls_certificate,omitempty" json:"tls_certificate,omitempty"`
	TLSKey          string    `yaml:"tls_key,omitempty" json:"tls_key,omitempty"`
	UseACMEHost     string    `yaml:"use_acme_host,omitempty" json:"use_acme_host,omitempty"`
	VerboseLogging  bool      `yaml:"verbose_logging,omitempty" json:"verbose_logging,omitempty"`
	EnvironmentFile string    `yaml:"environment_file,omitempty" json:"environment_file,omitempty"`
	ExtraArgs       ExtraArgs `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// Enabled reports whether the entry should be generated; unset means yes.
func (c *ServerConfig) Enabled() bool {
	return c.Enable == nil || *c.Enable
}

// Autostarted reports whether the generated service should start at boot.
func (c *ServerConfig) Autostarted() bool {
	return c.AutoStart == nil || *c.AutoStart
}

// HTTPS reports whether the listener speaks wss://; unset means yes.
func (c *ServerConfig) HTTPS() bool {
	return c.EnableHTTPS == nil || *c.EnableHTTPS
}

// ClientConfig declares one outbound tunnel with its forwardings.
type ClientConfig struct {
	Enable                *bool            `yaml:"enable,omitempty" json:"enable,omitempty"`
	AutoStart             *bool            `yaml:"auto_start,omitempty" json:"auto_start,omitempty"`
	ConnectTo             Endpoint         `yaml:"connect_to" json:"connect_to"`
	EnableHTTPS           *bool            `yaml:"enable_https,omitempty" json:"enable_https,omitempty"`
	LocalToRemote         []ForwardingRule `yaml:"local_to_remote,omitempty" json:"local_to_remote,omitempty"`
	DynamicToRemote       *Endpoint        `yaml:"dynamic_to_remote,omitempty" json:"dynamic_to_remote,omitempty"`
	UDP                   bool             `yaml:"udp,omitempty" json:"udp,omitempty"`
	UDPTimeoutSeconds     *int             `yaml:"udp_timeout_seconds,omitempty" json:"udp_timeout_seconds,omitempty"`
	HTTPProxy             string           `yaml:"http_proxy,omitempty" json:"http_proxy,omitempty"`
	SOMark                *uint32          `yaml:"so_mark,omitempty" json:"so_mark,omitempty"`
	HostHeader            string           `yaml:"host_header,omitempty" json:"host_header,omitempty"`
	TLSSNI                string           `yaml:"tls_sni,omitempty" json:"tls_sni,omitempty"`
	UpgradeCredentials    string           `yaml:"upgrade_credentials,omitempty" json:"upgrade_credentials,omitempty"`
	WebsocketPingInterval *int             `yaml:"websocket_ping_interval,omitempty" json:"websocket_ping_interval,omitempty"`
	UpgradePathPrefix     string           `yaml:"upgrade_path_prefix,omitempty" json:"upgrade_path_prefix,omitempty"`
	CustomHeaders         Headers          `yaml:"custom_headers,omitempty" json:"custom_headers,omitempty"`
	VerboseLogging        bool             `yaml:"verbose_logging,omitempty" json:"verbose_logging,omitempty"`
	EnvironmentFile       string           `yaml:"environment_file,omitempty" json:"environment_file,omitempty"`
	ExtraArgs             ExtraArgs        `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// Enabled reports whether the entry should be generated; unset means yes.
func (c *ClientConfig) Enabled() bool {
	return c.Enable == nil || *c.Enable
}

// Autostarted reports whether the generated service should start at boot.
func (c *ClientConfig) Autostarted() bool {
	return c.AutoStart == nil || *c.AutoStart
}

// HTTPS reports whether the target URI uses wss://; unset means yes.
func (c *ClientConfig) HTTPS() bool {
	return c.EnableHTTPS == nil || *c.EnableHTTPS
}

// UDPTimeout returns the effective UDP idle timeout in seconds. The
// flag is emitted for every client; -1 disables the timeout.
func (c *ClientConfig) UDPTimeout() int {
	if c.UDPTimeoutSeconds == nil {
		return DefaultUDPTimeoutSeconds
	}
	return *c.UDPTimeoutSeconds
}

// DefaultUDPTimeoutSeconds is the idle timeout applied to forwarded
// UDP flows when a client does not set one.
const DefaultUDPTimeoutSeconds = 30

// TunnelsConfig is one immutable configuration snapshot: everything a
// generation pass needs, with no ambient state on the side.
type TunnelsConfig struct {
	Enable  bool                     `yaml:"enable,omitempty" json:"enable"`
	Package string                   `yaml:"package,omitempty" json:"package,omitempty"`
	Servers map[string]*ServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`
	Clients map[string]*ClientConfig `yaml:"clients,omitempty" json:"clients,omitempty"`
}

// DefaultPackage is the wstunnel binary used when the document does
// not name one.
const DefaultPackage = "/usr/bin/wstunnel"

// Binary returns the wstunnel binary path for this snapshot.
func (c *TunnelsConfig) Binary() string {
	if c.Package != "" {
		return c.Package
	}
	return DefaultPackage
}

// ServerNames returns the server entry names in sorted order, so
// iteration over the name map is stable from run to run.
func (c *TunnelsConfig) ServerNames() []string {
	return sortedKeys(c.Servers)
}

// ClientNames returns the client entry names in sorted order.
func (c *TunnelsConfig) ClientNames() []string {
	return sortedKeys(c.Clients)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
