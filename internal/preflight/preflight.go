// Package preflight validates the host environment before an apply:
// the tunnel binary, DNS resolution of connect targets, referenced
// certificates, the systemd bus, and the state directory.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"tunneld/internal/api"
	"tunneld/internal/certs"
	"tunneld/internal/state/paths"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Check represents a single validation step.
type Check struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
	NextStep string `json:"next_step,omitempty"`
}

// Result aggregates the outcome of a preflight run.
type Result struct {
	Checks []Check   `json:"checks"`
	RanAt  time.Time `json:"ran_at"`
}

// Failed reports whether any check failed outright. Warnings do not
// block an apply.
func (r *Result) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

// CertStore is the certificate lookup slice preflight needs.
type CertStore interface {
	Lookup(host string) (*certs.ManagedCert, error)
}

// BusPinger probes the systemd manager connection.
type BusPinger interface {
	Version() (string, error)
}

// HostResolver resolves a hostname to addresses.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// Runner executes the preflight checks. A nil BusPinger skips the
// systemd check (oneshot mode has no bus connection).
type Runner struct {
	certs    CertStore
	systemd  BusPinger
	resolver HostResolver
	now      func() time.Time
}

func NewRunner(certStore CertStore, systemd BusPinger, resolver HostResolver) *Runner {
	if resolver == nil {
		resolver = NewDNSResolver()
	}
	return &Runner{certs: certStore, systemd: systemd, resolver: resolver, now: time.Now}
}

// Run executes all checks against the given config.
func (r *Runner) Run(ctx context.Context, cfg *api.TunnelsConfig) Result {
	res := Result{RanAt: r.now().UTC()}
	res.Checks = append(res.Checks, r.binaryCheck(cfg))
	res.Checks = append(res.Checks, r.endpointCheck(ctx, cfg))
	res.Checks = append(res.Checks, r.certificateCheck(cfg))
	if r.systemd != nil {
		res.Checks = append(res.Checks, r.systemdCheck())
	}
	res.Checks = append(res.Checks, r.stateDirCheck())
	return res
}

func (r *Runner) binaryCheck(cfg *api.TunnelsConfig) Check {
	binary := cfg.Binary()
	info, err := os.Stat(binary)
	if err != nil {
		return Check{
			Name:     "Tunnel binary",
			Status:   StatusFail,
			Detail:   fmt.Sprintf("%s: %v", binary, err),
			NextStep: "Install wstunnel or point package at its location",
		}
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return Check{
			Name:     "Tunnel binary",
			Status:   StatusFail,
			Detail:   fmt.Sprintf("%s is not an executable file", binary),
			NextStep: "Install wstunnel or point package at its location",
		}
	}
	return Check{Name: "Tunnel binary", Status: StatusPass, Detail: binary}
}

// endpointCheck resolves every hostname that enabled clients connect
// to. Failures are warnings: the target may live in DNS the control
// host cannot see.
func (r *Runner) endpointCheck(ctx context.Context, cfg *api.TunnelsConfig) Check {
	hosts := make(map[string]bool)
	for _, name := range cfg.ClientNames() {
		cc := cfg.Clients[name]
		if cc == nil || !cc.Enabled() {
			continue
		}
		host := cc.ConnectTo.Host
		if host == "" || net.ParseIP(host) != nil {
			continue
		}
		hosts[host] = true
	}
	if len(hosts) == 0 {
		return Check{Name: "Connect endpoints", Status: StatusPass, Detail: "no hostnames to resolve"}
	}

	var failed []string
	for host := range hosts {
		if _, err := r.resolver.Resolve(ctx, host); err != nil {
			failed = append(failed, fmt.Sprintf("%s (%v)", host, err))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return Check{
			Name:     "Connect endpoints",
			Status:   StatusWarn,
			Detail:   "unresolved: " + strings.Join(failed, ", "),
			NextStep: "Verify DNS reachability from this host",
		}
	}
	return Check{Name: "Connect endpoints", Status: StatusPass, Detail: fmt.Sprintf("%d hostname(s) resolve", len(hosts))}
}

func (r *Runner) certificateCheck(cfg *api.TunnelsConfig) Check {
	hosts := make(map[string]bool)
	for _, name := range cfg.ServerNames() {
		sc := cfg.Servers[name]
		if sc == nil || !sc.Enabled() || sc.UseACMEHost == "" {
			continue
		}
		hosts[sc.UseACMEHost] = true
	}
	if len(hosts) == 0 {
		return Check{Name: "Managed certificates", Status: StatusPass, Detail: "no certificate references"}
	}
	if r.certs == nil {
		return Check{
			Name:     "Managed certificates",
			Status:   StatusFail,
			Detail:   "no certificate registry configured",
			NextStep: "Configure the certificate directories",
		}
	}

	var missing []string
	for host := range hosts {
		if _, err := r.certs.Lookup(host); err != nil {
			missing = append(missing, host)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Check{
			Name:     "Managed certificates",
			Status:   StatusFail,
			Detail:   "missing: " + strings.Join(missing, ", "),
			NextStep: "Issue the certificate or fix use_acme_host",
		}
	}
	return Check{Name: "Managed certificates", Status: StatusPass, Detail: fmt.Sprintf("%d certificate(s) resolve", len(hosts))}
}

func (r *Runner) systemdCheck() Check {
	version, err := r.systemd.Version()
	if err != nil {
		return Check{
			Name:     "systemd manager",
			Status:   StatusFail,
			Detail:   err.Error(),
			NextStep: "Ensure the daemon can reach the system D-Bus",
		}
	}
	return Check{Name: "systemd manager", Status: StatusPass, Detail: "systemd " + version}
}

// stateDirCheck probes the state root for writability. A read-only
// root only degrades generation bookkeeping, so it warns.
func (r *Runner) stateDirCheck() Check {
	root := paths.Root()
	if err := os.MkdirAll(root, 0o711); err != nil {
		return Check{
			Name:     "State directory",
			Status:   StatusWarn,
			Detail:   err.Error(),
			NextStep: "Mount the state directory writable",
		}
	}
	probe := filepath.Join(root, ".write-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return Check{
			Name:     "State directory",
			Status:   StatusWarn,
			Detail:   err.Error(),
			NextStep: "Mount the state directory writable",
		}
	}
	_ = os.Remove(probe)
	return Check{Name: "State directory", Status: StatusPass, Detail: root}
}

// DNSResolver resolves hostnames against the system's configured
// nameservers.
type DNSResolver struct {
	servers []string
	timeout time.Duration
}

func NewDNSResolver() *DNSResolver {
	r := &DNSResolver{timeout: 3 * time.Second}
	if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, server := range conf.Servers {
			r.servers = append(r.servers, net.JoinHostPort(server, conf.Port))
		}
	}
	return r
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("no nameservers configured")
	}
	client := &dns.Client{Timeout: r.timeout}
	fqdn := dns.Fqdn(host)

	var (
		addrs   []string
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		for _, server := range r.servers {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("%s query for %s returned %s",
					dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
				break
			}
			for _, rr := range resp.Answer {
				switch record := rr.(type) {
				case *dns.A:
					addrs = append(addrs, record.A.String())
				case *dns.AAAA:
					addrs = append(addrs, record.AAAA.String())
				}
			}
			break
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs, nil
}
