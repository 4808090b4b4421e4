package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tunneld/internal/api"
	"tunneld/internal/certs"
	"tunneld/internal/state/paths"
)

type fakeResolver struct {
	hosts map[string][]string
}

func (f *fakeResolver) Resolve(_ context.Context, host string) ([]string, error) {
	if addrs, ok := f.hosts[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("NXDOMAIN")
}

type fakeCertStore struct {
	hosts map[string]bool
}

func (f *fakeCertStore) Lookup(host string) (*certs.ManagedCert, error) {
	if f.hosts[host] {
		return &certs.ManagedCert{Host: host}, nil
	}
	return nil, fmt.Errorf("no managed certificate for host %q", host)
}

type fakePinger struct {
	version string
	err     error
}

func (f *fakePinger) Version() (string, error) { return f.version, f.err }

func setTestRoot(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TUNNELD_STATE_DIR", dir)
	paths.SetRootForTest(dir)
	t.Cleanup(func() { paths.SetRootForTest("") })
}

func writeBinary(t *testing.T, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wstunnel")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), mode); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}
	return path
}

func testConfig(binary string) *api.TunnelsConfig {
	return &api.TunnelsConfig{
		Enable:  true,
		Package: binary,
		Servers: map[string]*api.ServerConfig{
			"web": {
				Listen:      api.Endpoint{Host: "0.0.0.0", Port: 8443},
				UseACMEHost: "tunnel.example.com",
			},
		},
		Clients: map[string]*api.ClientConfig{
			"vpn": {
				ConnectTo:       api.Endpoint{Host: "example.com", Port: 443},
				DynamicToRemote: &api.Endpoint{Host: "127.0.0.1", Port: 1080},
			},
		},
	}
}

func checkByName(t *testing.T, res Result, name string) Check {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not found in %+v", name, res.Checks)
	return Check{}
}

func TestRunAllPass(t *testing.T) {
	setTestRoot(t)
	cfg := testConfig(writeBinary(t, 0o755))

	r := NewRunner(
		&fakeCertStore{hosts: map[string]bool{"tunnel.example.com": true}},
		&fakePinger{version: "258"},
		&fakeResolver{hosts: map[string][]string{"example.com": {"93.184.216.34"}}},
	)
	res := r.Run(context.Background(), cfg)

	if res.Failed() {
		t.Fatalf("preflight failed: %+v", res.Checks)
	}
	if res.RanAt.IsZero() {
		t.Error("RanAt not set")
	}
	wantNames := []string{"Tunnel binary", "Connect endpoints", "Managed certificates", "systemd manager", "State directory"}
	if len(res.Checks) != len(wantNames) {
		t.Fatalf("got %d checks, want %d: %+v", len(res.Checks), len(wantNames), res.Checks)
	}
	for i, name := range wantNames {
		if res.Checks[i].Name != name {
			t.Errorf("check[%d] = %q, want %q", i, res.Checks[i].Name, name)
		}
		if res.Checks[i].Status != StatusPass {
			t.Errorf("check %q status = %q: %s", name, res.Checks[i].Status, res.Checks[i].Detail)
		}
	}
	if got := checkByName(t, res, "systemd manager"); got.Detail != "systemd 258" {
		t.Errorf("systemd detail = %q", got.Detail)
	}
}

func TestBinaryChecks(t *testing.T) {
	setTestRoot(t)
	resolver := &fakeResolver{hosts: map[string][]string{"example.com": {"93.184.216.34"}}}
	store := &fakeCertStore{hosts: map[string]bool{"tunnel.example.com": true}}

	t.Run("missing", func(t *testing.T) {
		cfg := testConfig(filepath.Join(t.TempDir(), "absent"))
		res := NewRunner(store, nil, resolver).Run(context.Background(), cfg)
		c := checkByName(t, res, "Tunnel binary")
		if c.Status != StatusFail || c.NextStep == "" {
			t.Errorf("check = %+v, want fail with next step", c)
		}
		if !res.Failed() {
			t.Error("Failed() should be true")
		}
	})

	t.Run("not executable", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o644))
		res := NewRunner(store, nil, resolver).Run(context.Background(), cfg)
		c := checkByName(t, res, "Tunnel binary")
		if c.Status != StatusFail || !strings.Contains(c.Detail, "not an executable") {
			t.Errorf("check = %+v", c)
		}
	})
}

func TestEndpointCheck(t *testing.T) {
	setTestRoot(t)
	store := &fakeCertStore{hosts: map[string]bool{"tunnel.example.com": true}}

	t.Run("unresolved host warns", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		res := NewRunner(store, nil, &fakeResolver{}).Run(context.Background(), cfg)
		c := checkByName(t, res, "Connect endpoints")
		if c.Status != StatusWarn || !strings.Contains(c.Detail, "example.com") {
			t.Errorf("check = %+v", c)
		}
		// Warnings alone never fail a preflight.
		if res.Failed() {
			t.Error("warn-only run reported as failed")
		}
	})

	t.Run("ip targets skip resolution", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		cfg.Clients["vpn"].ConnectTo = api.Endpoint{Host: "192.0.2.10", Port: 443}
		res := NewRunner(store, nil, &fakeResolver{}).Run(context.Background(), cfg)
		c := checkByName(t, res, "Connect endpoints")
		if c.Status != StatusPass {
			t.Errorf("check = %+v", c)
		}
	})

	t.Run("disabled clients ignored", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		off := false
		cfg.Clients["vpn"].Enable = &off
		res := NewRunner(store, nil, &fakeResolver{}).Run(context.Background(), cfg)
		c := checkByName(t, res, "Connect endpoints")
		if c.Status != StatusPass || c.Detail != "no hostnames to resolve" {
			t.Errorf("check = %+v", c)
		}
	})
}

func TestCertificateCheck(t *testing.T) {
	setTestRoot(t)
	resolver := &fakeResolver{hosts: map[string][]string{"example.com": {"93.184.216.34"}}}

	t.Run("missing certificate fails", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		res := NewRunner(&fakeCertStore{}, nil, resolver).Run(context.Background(), cfg)
		c := checkByName(t, res, "Managed certificates")
		if c.Status != StatusFail || !strings.Contains(c.Detail, "tunnel.example.com") {
			t.Errorf("check = %+v", c)
		}
	})

	t.Run("no registry with references fails", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		res := NewRunner(nil, nil, resolver).Run(context.Background(), cfg)
		c := checkByName(t, res, "Managed certificates")
		if c.Status != StatusFail {
			t.Errorf("check = %+v", c)
		}
	})

	t.Run("no references passes without registry", func(t *testing.T) {
		cfg := testConfig(writeBinary(t, 0o755))
		cfg.Servers = nil
		res := NewRunner(nil, nil, resolver).Run(context.Background(), cfg)
		c := checkByName(t, res, "Managed certificates")
		if c.Status != StatusPass {
			t.Errorf("check = %+v", c)
		}
	})
}

func TestSystemdCheck(t *testing.T) {
	setTestRoot(t)
	cfg := testConfig(writeBinary(t, 0o755))
	store := &fakeCertStore{hosts: map[string]bool{"tunnel.example.com": true}}
	resolver := &fakeResolver{hosts: map[string][]string{"example.com": {"93.184.216.34"}}}

	t.Run("unreachable bus fails", func(t *testing.T) {
		res := NewRunner(store, &fakePinger{err: fmt.Errorf("connection refused")}, resolver).
			Run(context.Background(), cfg)
		c := checkByName(t, res, "systemd manager")
		if c.Status != StatusFail {
			t.Errorf("check = %+v", c)
		}
	})

	t.Run("nil pinger skips the check", func(t *testing.T) {
		res := NewRunner(store, nil, resolver).Run(context.Background(), cfg)
		for _, c := range res.Checks {
			if c.Name == "systemd manager" {
				t.Errorf("systemd check present without a bus connection: %+v", c)
			}
		}
	})
}
