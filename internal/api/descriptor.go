package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServiceKind discriminates server and client tunnel entries.
type ServiceKind uint8

const (
	ServiceKindUnknown ServiceKind = iota
	ServiceKindServer
	ServiceKindClient
)

var kindToString = map[ServiceKind]string{
	ServiceKindServer: "server",
	ServiceKindClient: "client",
}

var kindFromString = map[string]ServiceKind{
	"server": ServiceKindServer,
	"client": ServiceKindClient,
}

// String returns the token representation of the kind.
func (k ServiceKind) String() string {
	if s, ok := kindToString[k]; ok {
		return s
	}
	return ""
}

// UnitPrefix returns the registry key prefix for the kind. The two
// prefixes are disjoint, so a server and a client may share a bare
// entry name without colliding in the registry.
func (k ServiceKind) UnitPrefix() string {
	switch k {
	case ServiceKindServer:
		return "wstunnel-server-"
	case ServiceKindClient:
		return "wstunnel-client-"
	}
	return ""
}

// ServiceName returns the prefixed registry key for an entry name.
func (k ServiceKind) ServiceName(name string) string {
	return k.UnitPrefix() + name
}

// Entry returns the dotted path of an entry, e.g. "servers.vpn", used
// to tag diagnostics with their origin.
func (k ServiceKind) Entry(name string) string {
	switch k {
	case ServiceKindServer:
		return "servers." + name
	case ServiceKindClient:
		return "clients." + name
	}
	return name
}

// MarshalJSON converts the kind back to its token.
func (k ServiceKind) MarshalJSON() ([]byte, error) {
	if k == ServiceKindUnknown {
		return json.Marshal("")
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a kind token.
func (k *ServiceKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := parseServiceKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (k ServiceKind) MarshalYAML() (interface{}, error) {
	if k == ServiceKindUnknown {
		return nil, nil
	}
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *ServiceKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	kind, err := parseServiceKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func parseServiceKind(raw string) (ServiceKind, error) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return ServiceKindUnknown, nil
	}
	if kind, ok := kindFromString[token]; ok {
		return kind, nil
	}
	return ServiceKindUnknown, fmt.Errorf("invalid service kind '%s'", raw)
}

// ServiceDescriptor is the fully compiled, ready-to-launch
// representation of one entry, handed to the service supervisor.
// Descriptors are derived fresh on every generation pass and never
// persisted; they have no identity beyond their registry key.
type ServiceDescriptor struct {
	Name                string      `json:"name"`
	Kind                ServiceKind `json:"kind"`
	Entry               string      `json:"entry"`
	Description         string      `json:"description"`
	Invocation          Invocation  `json:"invocation"`
	AutoStart           bool        `json:"auto_start"`
	EnvironmentFile     string      `json:"environment_file,omitempty"`
	WorkingDirectory    string      `json:"working_directory,omitempty"`
	SupplementaryGroups []string    `json:"supplementary_groups,omitempty"`
}

// UnitName returns the systemd unit file name for the descriptor.
func (d *ServiceDescriptor) UnitName() string {
	return d.Name + ".service"
}

// Registry is the final name-keyed set of descriptors produced by one
// generation pass. Keys are unique across servers and clients because
// each kind contributes a distinct prefix.
type Registry struct {
	descriptors map[string]*ServiceDescriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*ServiceDescriptor)}
}

// Add inserts a descriptor. A key collision is reported as a
// DuplicateServiceName diagnostic; with disjoint prefixes it indicates
// a naming bug rather than bad operator input.
func (r *Registry) Add(d *ServiceDescriptor) error {
	if _, exists := r.descriptors[d.Name]; exists {
		return &Diagnostic{
			Entry:   d.Entry,
			Kind:    ErrorKindDuplicateServiceName,
			Message: fmt.Sprintf("service name %q already registered", d.Name),
		}
	}
	r.descriptors[d.Name] = d
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (*ServiceDescriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	return len(r.descriptors)
}

// Names returns all registry keys in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors sorted by registry key.
func (r *Registry) Descriptors() []*ServiceDescriptor {
	out := make([]*ServiceDescriptor, 0, len(r.descriptors))
	for _, name := range r.Names() {
		out = append(out, r.descriptors[name])
	}
	return out
}

// MarshalJSON renders the registry as a name-keyed object.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.descriptors)
}
