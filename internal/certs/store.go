// Package certs resolves the managed certificates that use_acme_host
// entries reference. Lookups search the system ACME directory first,
// so certificates maintained by distribution tooling win over the
// daemon's own issuance directory.
package certs

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"tunneld/internal/state/paths"
)

const (
	// DefaultSystemDir is the per-host certificate layout populated by
	// distribution ACME tooling: <dir>/<host>/fullchain.pem + key.pem.
	DefaultSystemDir = "/var/lib/acme"

	certFileName = "fullchain.pem"
	keyFileName  = "key.pem"
)

// DefaultRenewalWindow is how close to expiry a daemon-issued
// certificate gets before the renewal task re-issues it.
const DefaultRenewalWindow = 30 * 24 * time.Hour

// ManagedCert describes one resolvable host certificate.
type ManagedCert struct {
	Host            string    `json:"host"`
	CertificatePath string    `json:"certificate_path"`
	KeyPath         string    `json:"key_path"`
	OwnerGroup      string    `json:"owner_group,omitempty"`
	NotAfter        time.Time `json:"not_after,omitempty"`
	Source          string    `json:"source"`
}

// NeedsRenewal reports whether the certificate expires inside the given
// window. Certificates whose expiry could not be read are never
// auto-renewed.
func (c *ManagedCert) NeedsRenewal(window time.Duration) bool {
	return !c.NotAfter.IsZero() && time.Until(c.NotAfter) < window
}

// Store is a layered certificate registry over one or more per-host
// certificate directories.
type Store struct {
	dirs []string
}

// NewStore builds a store searching the given directories in order.
// With no arguments it searches the system ACME directory, then the
// daemon's own issuance directory.
func NewStore(dirs ...string) *Store {
	if len(dirs) == 0 {
		dirs = []string{DefaultSystemDir, paths.ACMEDir()}
	}
	return &Store{dirs: dirs}
}

// IssuanceDir returns the directory daemon-issued certificates land in.
// Only certificates from this directory are auto-renewed.
func (s *Store) IssuanceDir() string {
	return paths.ACMEDir()
}

// Lookup finds the certificate for a host. The returned error names the
// searched directories so the operator can tell a typo from a missing
// issuance.
func (s *Store) Lookup(host string) (*ManagedCert, error) {
	if host == "" {
		return nil, fmt.Errorf("certificate host is empty")
	}
	for _, dir := range s.dirs {
		mc, err := s.load(dir, host)
		if err == nil {
			return mc, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no managed certificate for host %q (searched %s)", host, strings.Join(s.dirs, ", "))
}

// List enumerates every resolvable certificate. Hosts present in more
// than one directory are reported once, from the first directory that
// has them.
func (s *Store) List() ([]ManagedCert, error) {
	seen := make(map[string]bool)
	var out []ManagedCert
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to scan certificate directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			mc, err := s.load(dir, e.Name())
			if err != nil {
				continue
			}
			seen[mc.Host] = true
			out = append(out, *mc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

func (s *Store) load(dir, host string) (*ManagedCert, error) {
	certPath := filepath.Join(dir, host, certFileName)
	keyPath := filepath.Join(dir, host, keyFileName)
	if _, err := os.Stat(certPath); err != nil {
		return nil, err
	}
	if _, err := os.Stat(keyPath); err != nil {
		return nil, err
	}

	mc := &ManagedCert{
		Host:            host,
		CertificatePath: certPath,
		KeyPath:         keyPath,
		OwnerGroup:      ownerGroup(keyPath),
		Source:          dir,
	}
	if notAfter, err := readCertExpiry(certPath); err == nil {
		mc.NotAfter = notAfter
	}
	return mc, nil
}

// ownerGroup names the group owning the key file. Falls back to the
// numeric GID, which systemd accepts in SupplementaryGroups.
func ownerGroup(path string) string {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return ""
	}
	gid := fmt.Sprint(st.Gid)
	if g, err := user.LookupGroupId(gid); err == nil {
		return g.Name
	}
	return gid
}

func readCertExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return time.Time{}, fmt.Errorf("no certificate block in %s", path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse certificate %s: %w", path, err)
		}
		return cert.NotAfter, nil
	}
}
