package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrorKind classifies a diagnostic produced during validation or
// compilation.
type ErrorKind uint8

const (
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindSchemaViolation marks bad operator input: a typed field
	// out of range or a cross-field invariant broken. These are
	// collected exhaustively so one pass reports every problem.
	ErrorKindSchemaViolation
	// ErrorKindMissingCertificateReference marks a use_acme_host that
	// resolves to no managed certificate.
	ErrorKindMissingCertificateReference
	// ErrorKindDuplicateServiceName marks a registry key collision.
	// With disjoint kind prefixes this is an internal bug, never bad
	// input, and is always fatal.
	ErrorKindDuplicateServiceName
)

var errorKindToString = map[ErrorKind]string{
	ErrorKindSchemaViolation:             "schema_violation",
	ErrorKindMissingCertificateReference: "missing_certificate_reference",
	ErrorKindDuplicateServiceName:        "duplicate_service_name",
}

var errorKindFromString = map[string]ErrorKind{
	"schema_violation":              ErrorKindSchemaViolation,
	"missing_certificate_reference": ErrorKindMissingCertificateReference,
	"duplicate_service_name":        ErrorKindDuplicateServiceName,
}

// String returns the token representation of the kind.
func (k ErrorKind) String() string {
	if s, ok := errorKindToString[k]; ok {
		return s
	}
	return ""
}

// MarshalJSON converts the kind back to its token.
func (k ErrorKind) MarshalJSON() ([]byte, error) {
	if k == ErrorKindUnknown {
		return json.Marshal("")
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON parses an error kind token.
func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, err := parseErrorKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (k ErrorKind) MarshalYAML() (interface{}, error) {
	if k == ErrorKindUnknown {
		return nil, nil
	}
	return k.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *ErrorKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	kind, err := parseErrorKind(raw)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

func parseErrorKind(raw string) (ErrorKind, error) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return ErrorKindUnknown, nil
	}
	if kind, ok := errorKindFromString[token]; ok {
		return kind, nil
	}
	return ErrorKindUnknown, fmt.Errorf("invalid error kind '%s'", raw)
}

// Diagnostic is one validation or compilation failure, tagged with the
// configuration entry that caused it. The core packages return
// diagnostics instead of logging; callers decide how to surface them.
type Diagnostic struct {
	Entry   string    `json:"entry"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements error so a single diagnostic can travel through an
// ordinary error return.
func (d *Diagnostic) Error() string {
	if d.Entry == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Entry, d.Kind, d.Message)
}

// Diagnostics is an ordered list of failures from one generation pass.
type Diagnostics []*Diagnostic

// Add appends a diagnostic built from its parts.
func (ds *Diagnostics) Add(entry string, kind ErrorKind, format string, args ...interface{}) {
	*ds = append(*ds, &Diagnostic{
		Entry:   entry,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	})
}

// HasKind reports whether any diagnostic carries the given kind.
func (ds Diagnostics) HasKind(kind ErrorKind) bool {
	for _, d := range ds {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// Error joins all messages; Diagnostics itself satisfies error when
// non-empty.
func (ds Diagnostics) Error() string {
	msgs := make([]string, 0, len(ds))
	for _, d := range ds {
		msgs = append(msgs, d.Error())
	}
	return strings.Join(msgs, "; ")
}

// Err returns the list as an error, or nil when it is empty.
func (ds Diagnostics) Err() error {
	if len(ds) == 0 {
		return nil
	}
	return ds
}
