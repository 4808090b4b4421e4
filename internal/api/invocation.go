package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Capability names one elevated permission a compiled service needs at
// launch, granted per-process rather than by running as root.
type Capability uint8

const (
	CapabilityUnknown Capability = iota
	// CapabilityBindPrivilegedPort lets the process bind a TCP or UDP
	// port below 1024.
	CapabilityBindPrivilegedPort
	// CapabilityPacketMark lets the process set SO_MARK on its sockets.
	CapabilityPacketMark
)

var capabilityToString = map[Capability]string{
	CapabilityBindPrivilegedPort: "bind_privileged_port",
	CapabilityPacketMark:         "packet_mark",
}

var capabilityFromString = map[string]Capability{
	"bind_privileged_port": CapabilityBindPrivilegedPort,
	"packet_mark":          CapabilityPacketMark,
}

// capabilityToSystemd maps each capability to the kernel capability
// name systemd directives understand.
var capabilityToSystemd = map[Capability]string{
	CapabilityBindPrivilegedPort: "CAP_NET_BIND_SERVICE",
	CapabilityPacketMark:         "CAP_NET_ADMIN",
}

// String returns the token representation of the capability.
func (c Capability) String() string {
	if s, ok := capabilityToString[c]; ok {
		return s
	}
	return ""
}

// SystemdName returns the CAP_* name systemd expects for the capability.
func (c Capability) SystemdName() string {
	if s, ok := capabilityToSystemd[c]; ok {
		return s
	}
	return ""
}

// MarshalJSON converts the capability back to its token.
func (c Capability) MarshalJSON() ([]byte, error) {
	if c == CapabilityUnknown {
		return json.Marshal("")
	}
	return json.Marshal(c.String())
}

// UnmarshalJSON parses a capability token.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseCapability(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (c Capability) MarshalYAML() (interface{}, error) {
	if c == CapabilityUnknown {
		return nil, nil
	}
	return c.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Capability) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseCapability(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func parseCapability(raw string) (Capability, error) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return CapabilityUnknown, nil
	}
	if parsed, ok := capabilityFromString[token]; ok {
		return parsed, nil
	}
	return CapabilityUnknown, fmt.Errorf("invalid capability '%s'", raw)
}

// CapabilitySet is the set of capabilities one invocation requires.
// The zero value is usable; an empty set means the service runs fully
// unprivileged.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s.Add(c)
	}
	return s
}

// Add inserts a capability into the set.
func (s CapabilitySet) Add(c Capability) {
	if c != CapabilityUnknown {
		s[c] = struct{}{}
	}
}

// Has reports whether the capability is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Empty reports whether no capability is required.
func (s CapabilitySet) Empty() bool {
	return len(s) == 0
}

// Sorted returns the capabilities in a stable order.
func (s CapabilitySet) Sorted() []Capability {
	caps := make([]Capability, 0, len(s))
	for c := range s {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// SystemdNames returns the sorted CAP_* names for systemd directives.
func (s CapabilitySet) SystemdNames() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, c.SystemdName())
	}
	sort.Strings(names)
	return names
}

// MarshalJSON renders the set as a sorted array of tokens.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	tokens := make([]string, 0, len(s))
	for _, c := range s.Sorted() {
		tokens = append(tokens, c.String())
	}
	return json.Marshal(tokens)
}

// UnmarshalJSON parses an array of capability tokens.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	out := make(CapabilitySet, len(tokens))
	for _, t := range tokens {
		parsed, err := parseCapability(t)
		if err != nil {
			return err
		}
		out.Add(parsed)
	}
	*s = out
	return nil
}

// Invocation is the fully rendered launch recipe for one entry: the
// exact argument vector (Argv[0] is the binary path) and the
// capabilities the process needs. Rendering is deterministic, so
// identical configuration yields an identical invocation.
type Invocation struct {
	Argv []string      `json:"argv"`
	Caps CapabilitySet `json:"capabilities"`
}

// Command returns a copy-pasteable shell rendering of the argv. This
// is for humans (logs, API responses); unit files apply their own
// quoting when the invocation is serialized.
func (inv Invocation) Command() string {
	return shellquote.Join(inv.Argv...)
}
