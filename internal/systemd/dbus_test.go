package systemd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/dbus"

	"tunneld/internal/api"
)

// fakeConn records manager calls and resolves every queued job with a
// configurable result.
type fakeConn struct {
	calls     []string
	jobResult string
	statuses  []dbus.UnitStatus
	version   string
	resetErr  error
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{jobResult: "done", resetErr: errors.New("unit not failed")}
}

func (f *fakeConn) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeConn) has(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeConn) count(call string) int {
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeConn) queue(ch chan<- string) (int, error) {
	ch <- f.jobResult
	return 1, nil
}

func (f *fakeConn) ReloadContext(context.Context) error {
	f.record("reload")
	return nil
}

func (f *fakeConn) StartUnitContext(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	f.record("start %s %s", name, mode)
	return f.queue(ch)
}

func (f *fakeConn) StopUnitContext(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	f.record("stop %s %s", name, mode)
	return f.queue(ch)
}

func (f *fakeConn) RestartUnitContext(_ context.Context, name, mode string, ch chan<- string) (int, error) {
	f.record("restart %s %s", name, mode)
	return f.queue(ch)
}

func (f *fakeConn) EnableUnitFilesContext(_ context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error) {
	f.record("enable %s", strings.Join(files, ","))
	return true, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(_ context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error) {
	f.record("disable %s", strings.Join(files, ","))
	return nil, nil
}

func (f *fakeConn) ListUnitsByNamesContext(_ context.Context, units []string) ([]dbus.UnitStatus, error) {
	f.record("list %s", strings.Join(units, ","))
	return f.statuses, nil
}

func (f *fakeConn) ResetFailedUnitContext(_ context.Context, name string) error {
	f.record("reset-failed %s", name)
	return f.resetErr
}

func (f *fakeConn) GetManagerProperty(prop string) (string, error) {
	f.record("property %s", prop)
	return f.version, nil
}

func (f *fakeConn) Close() {
	f.closed = true
}

func TestDBusApplierAutoStartUnit(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	a := newDBusApplier(conn, dir)

	reg := api.NewRegistry()
	if err := reg.Add(clientDescriptor()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := a.Apply(context.Background(), reg, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "wstunnel-client-vpn.service")); err != nil {
		t.Fatalf("unit file not written: %v", err)
	}
	for _, want := range []string{
		"reload",
		"enable wstunnel-client-vpn.service",
		"restart wstunnel-client-vpn.service replace",
	} {
		if !conn.has(want) {
			t.Errorf("missing call %q, got %v", want, conn.calls)
		}
	}
}

func TestDBusApplierManualUnit(t *testing.T) {
	tests := []struct {
		name        string
		activeState string
		wantRestart bool
	}{
		{name: "running unit picks up new config", activeState: "active", wantRestart: true},
		{name: "stopped unit stays stopped", activeState: "inactive", wantRestart: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConn()
			conn.statuses = []dbus.UnitStatus{
				{Name: "wstunnel-client-vpn.service", ActiveState: tc.activeState},
			}
			a := newDBusApplier(conn, t.TempDir())

			d := clientDescriptor()
			d.AutoStart = false
			reg := api.NewRegistry()
			if err := reg.Add(d); err != nil {
				t.Fatalf("Add failed: %v", err)
			}

			if err := a.Apply(context.Background(), reg, nil); err != nil {
				t.Fatalf("Apply failed: %v", err)
			}

			if conn.has("enable wstunnel-client-vpn.service") {
				t.Errorf("manual unit must not be enabled, got %v", conn.calls)
			}
			if !conn.has("disable wstunnel-client-vpn.service") {
				t.Errorf("manual unit should be disabled, got %v", conn.calls)
			}
			gotRestart := conn.has("restart wstunnel-client-vpn.service replace")
			if gotRestart != tc.wantRestart {
				t.Errorf("restart called = %v, want %v (calls %v)", gotRestart, tc.wantRestart, conn.calls)
			}
		})
	}
}

func TestDBusApplierRetiresStaleUnits(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, "wstunnel-server-old.service")
	if err := os.WriteFile(stalePath, []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatalf("failed to seed stale unit: %v", err)
	}

	conn := newFakeConn()
	a := newDBusApplier(conn, dir)

	if err := a.Apply(context.Background(), api.NewRegistry(), []string{"wstunnel-server-old.service"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	for _, want := range []string{
		"stop wstunnel-server-old.service replace",
		"disable wstunnel-server-old.service",
		"reset-failed wstunnel-server-old.service",
		"reload",
	} {
		if !conn.has(want) {
			t.Errorf("missing call %q, got %v", want, conn.calls)
		}
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Errorf("stale unit file still present")
	}
}

func TestDBusApplierJobFailureCollected(t *testing.T) {
	conn := newFakeConn()
	conn.jobResult = "failed"
	a := newDBusApplier(conn, t.TempDir())

	reg := api.NewRegistry()
	first := clientDescriptor()
	second := clientDescriptor()
	second.Name = "wstunnel-client-backup"
	for _, d := range []*api.ServiceDescriptor{first, second} {
		if err := reg.Add(d); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	err := a.Apply(context.Background(), reg, nil)
	if err == nil {
		t.Fatal("expected error when restart job fails")
	}
	if !strings.Contains(err.Error(), `finished with result "failed"`) {
		t.Errorf("unexpected error: %v", err)
	}
	// One failing unit must not prevent the other from being driven.
	if conn.count("restart wstunnel-client-backup.service replace") != 1 ||
		conn.count("restart wstunnel-client-vpn.service replace") != 1 {
		t.Errorf("expected both units restarted, got %v", conn.calls)
	}
}

func TestDBusApplierVersion(t *testing.T) {
	conn := newFakeConn()
	conn.version = `"258.3"`
	a := newDBusApplier(conn, t.TempDir())

	got, err := a.Version()
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if got != "258.3" {
		t.Errorf("Version = %q, want %q", got, "258.3")
	}
}

func TestDBusApplierUnits(t *testing.T) {
	conn := newFakeConn()
	conn.statuses = []dbus.UnitStatus{
		{Name: "wstunnel-client-vpn.service", Description: "wstunnel client for vpn", LoadState: "loaded", ActiveState: "active", SubState: "running"},
	}
	a := newDBusApplier(conn, t.TempDir())

	states, err := a.Units(context.Background(), []string{"wstunnel-client-vpn.service"})
	if err != nil {
		t.Fatalf("Units failed: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("got %d states, want 1", len(states))
	}
	st := states[0]
	if st.Name != "wstunnel-client-vpn.service" || st.ActiveState != "active" || st.SubState != "running" {
		t.Errorf("unexpected state: %+v", st)
	}

	if states, err := a.Units(context.Background(), nil); err != nil || states != nil {
		t.Errorf("empty query should be a no-op, got %v, %v", states, err)
	}
}
