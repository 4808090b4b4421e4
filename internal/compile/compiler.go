// Package compile renders validated tunnel entries into wstunnel
// invocations: the exact argument vector plus the capability profile
// the process needs. Rendering is deterministic and, apart from
// managed-certificate lookups, free of I/O; identical configuration
// always yields identical argv.
package compile

import (
	"fmt"

	"tunneld/internal/api"
)

// ResolvedCertificate is the managed TLS material for one host, as
// returned by the certificate registry.
type ResolvedCertificate struct {
	CertificatePath string
	KeyPath         string
	// OwnerGroup is the group owning the certificate directory; it is
	// granted to the service so a dynamic user can read the key.
	OwnerGroup string
}

// CertificateResolver looks up managed TLS material by host name.
// Lookups are independent of each other and read-only.
type CertificateResolver interface {
	Resolve(host string) (*ResolvedCertificate, error)
}

// Compiler renders entries against one binary path and one certificate
// registry. It holds no mutable state; a single compiler is safe to
// share across entries.
type Compiler struct {
	binary   string
	resolver CertificateResolver
}

// New returns a compiler that renders invocations of the given binary.
// The resolver may be nil when no server uses managed certificates.
func New(binary string, resolver CertificateResolver) *Compiler {
	return &Compiler{binary: binary, resolver: resolver}
}

// Server compiles one server entry. Returns the invocation, the
// supplementary groups the service needs (the certificate owner group
// for managed TLS), and an error only when a use_acme_host reference
// cannot be resolved.
func (c *Compiler) Server(name string, cfg *api.ServerConfig) (api.Invocation, []string, error) {
	argv := []string{c.binary, "--server"}
	caps := api.NewCapabilitySet()
	var groups []string

	if cfg.RestrictTo != nil {
		argv = append(argv, "--restrictTo="+cfg.RestrictTo.String())
	}

	certPath, keyPath := cfg.TLSCertificate, cfg.TLSKey
	if cfg.UseACMEHost != "" {
		resolved, err := c.resolveCertificate(cfg.UseACMEHost)
		if err != nil {
			return api.Invocation{}, nil, &api.Diagnostic{
				Entry:   api.ServiceKindServer.Entry(name),
				Kind:    api.ErrorKindMissingCertificateReference,
				Message: err.Error(),
			}
		}
		certPath, keyPath = resolved.CertificatePath, resolved.KeyPath
		if resolved.OwnerGroup != "" {
			groups = append(groups, resolved.OwnerGroup)
		}
	}
	if certPath != "" {
		argv = append(argv, "--tlsCertificate="+certPath)
	}
	if keyPath != "" {
		argv = append(argv, "--tlsKey="+keyPath)
	}

	if cfg.VerboseLogging {
		argv = append(argv, "--verbose")
	}
	argv = appendExtraArgs(argv, cfg.ExtraArgs)
	argv = append(argv, cfg.Listen.URI(cfg.HTTPS()))

	if cfg.Listen.Port < 1024 {
		caps.Add(api.CapabilityBindPrivilegedPort)
	}

	return api.Invocation{Argv: argv, Caps: caps}, groups, nil
}

// Client compiles one client entry. Client compilation is total: once
// validation has passed it cannot fail.
func (c *Compiler) Client(name string, cfg *api.ClientConfig) api.Invocation {
	argv := []string{c.binary}
	caps := api.NewCapabilitySet()

	for _, rule := range cfg.LocalToRemote {
		argv = append(argv, "--localToRemote="+rule.String())
		if rule.Local.Port < 1024 {
			caps.Add(api.CapabilityBindPrivilegedPort)
		}
	}
	if cfg.DynamicToRemote != nil {
		argv = append(argv, "--dynamicToRemote="+cfg.DynamicToRemote.String())
		if cfg.DynamicToRemote.Port < 1024 {
			caps.Add(api.CapabilityBindPrivilegedPort)
		}
	}

	if cfg.UDP {
		argv = append(argv, "--udp")
	}
	// Emitted unconditionally: wstunnel applies the timeout to any
	// forwarded UDP flow, and -1 disables it.
	argv = append(argv, fmt.Sprintf("--udpTimeoutSec=%d", cfg.UDPTimeout()))

	if cfg.HTTPProxy != "" {
		argv = append(argv, "--httpProxy="+cfg.HTTPProxy)
	}
	if cfg.SOMark != nil {
		argv = append(argv, fmt.Sprintf("--soMark=%d", *cfg.SOMark))
		caps.Add(api.CapabilityPacketMark)
	}
	if cfg.HostHeader != "" {
		argv = append(argv, "--hostHeader="+cfg.HostHeader)
	}
	if cfg.TLSSNI != "" {
		argv = append(argv, "--tlsSNI="+cfg.TLSSNI)
	}
	if cfg.UpgradeCredentials != "" {
		argv = append(argv, "--upgradeCredentials="+cfg.UpgradeCredentials)
	}
	if cfg.WebsocketPingInterval != nil {
		argv = append(argv, fmt.Sprintf("--websocketPingFrequencySec=%d", *cfg.WebsocketPingInterval))
	}
	if cfg.UpgradePathPrefix != "" {
		argv = append(argv, "--upgradePathPrefix="+cfg.UpgradePathPrefix)
	}
	for _, h := range cfg.CustomHeaders {
		argv = append(argv, "--customHeaders="+h.Token())
	}

	if cfg.VerboseLogging {
		argv = append(argv, "--verbose")
	}
	argv = appendExtraArgs(argv, cfg.ExtraArgs)
	argv = append(argv, cfg.ConnectTo.URI(cfg.HTTPS()))

	return api.Invocation{Argv: argv, Caps: caps}
}

func (c *Compiler) resolveCertificate(host string) (*ResolvedCertificate, error) {
	if c.resolver == nil {
		return nil, fmt.Errorf("no certificate registry configured, cannot resolve host %q", host)
	}
	resolved, err := c.resolver.Resolve(host)
	if err != nil {
		return nil, fmt.Errorf("no managed certificate for host %q: %w", host, err)
	}
	return resolved, nil
}

// appendExtraArgs renders the passthrough arguments in document order,
// after every schema-known flag. A name colliding with a schema flag
// simply appends a duplicate token; the tool's own handling of
// repeated flags decides which one wins.
func appendExtraArgs(argv []string, extra api.ExtraArgs) []string {
	for _, a := range extra {
		switch {
		case a.Flag != nil && *a.Flag:
			argv = append(argv, "--"+a.Name)
		case a.Flag != nil:
			// A disabled switch emits nothing.
		default:
			argv = append(argv, "--"+a.Name+"="+a.Value)
		}
	}
	return argv
}
