package systemd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"tunneld/internal/api"
)

// DefaultUnitDir is where managed unit files are installed.
const DefaultUnitDir = "/etc/systemd/system"

// systemdConn is the slice of the systemd manager D-Bus API the applier
// uses. *dbus.Conn satisfies it.
type systemdConn interface {
	ReloadContext(ctx context.Context) error
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	ResetFailedUnitContext(ctx context.Context, name string) error
	GetManagerProperty(prop string) (string, error)
	Close()
}

// UnitState is the observed runtime state of one managed unit.
type UnitState struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// DBusApplier installs unit files under unitDir and drives the systemd
// manager over D-Bus: reload, enable/disable, restart, and retirement
// of units from previous generations.
type DBusApplier struct {
	conn    systemdConn
	unitDir string
}

// NewDBusApplier connects to the system bus. An empty unitDir selects
// DefaultUnitDir.
func NewDBusApplier(ctx context.Context, unitDir string) (*DBusApplier, error) {
	conn, err := dbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return newDBusApplier(conn, unitDir), nil
}

func newDBusApplier(conn systemdConn, unitDir string) *DBusApplier {
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	return &DBusApplier{conn: conn, unitDir: unitDir}
}

func (a *DBusApplier) Close() {
	a.conn.Close()
}

// Version reports the systemd manager version, which doubles as a
// liveness probe for the bus connection.
func (a *DBusApplier) Version() (string, error) {
	v, err := a.conn.GetManagerProperty("Version")
	if err != nil {
		return "", fmt.Errorf("failed to query systemd version: %w", err)
	}
	return strings.Trim(v, `"`), nil
}

// Units reports the runtime state of the named units. Names carry the
// .service suffix. Units systemd does not know are reported with their
// load state so callers can show not-found entries.
func (a *DBusApplier) Units(ctx context.Context, names []string) ([]UnitState, error) {
	if len(names) == 0 {
		return nil, nil
	}
	statuses, err := a.conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	states := make([]UnitState, 0, len(statuses))
	for _, st := range statuses {
		states = append(states, UnitState{
			Name:        st.Name,
			Description: st.Description,
			LoadState:   st.LoadState,
			ActiveState: st.ActiveState,
			SubState:    st.SubState,
		})
	}
	return states, nil
}

// Apply installs the registry's units, retires stale ones, and
// reconciles enablement and runtime state with each descriptor.
// Stale-unit teardown is best effort; failures there are logged and do
// not block the new generation.
func (a *DBusApplier) Apply(ctx context.Context, reg *api.Registry, stale []string) error {
	var errs []error

	for _, name := range reg.Names() {
		d, ok := reg.Get(name)
		if !ok {
			continue
		}
		if err := a.writeUnitFile(d); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, unitName := range stale {
		a.retireUnit(ctx, unitName)
	}

	if err := a.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	active, err := a.activeStates(ctx, reg)
	if err != nil {
		return err
	}

	for _, name := range reg.Names() {
		d, ok := reg.Get(name)
		if !ok {
			continue
		}
		if err := a.reconcileUnit(ctx, d, active); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Printf("INFO: applied %d unit(s), retired %d stale unit(s)", reg.Len(), len(stale))
	return nil
}

func (a *DBusApplier) writeUnitFile(d *api.ServiceDescriptor) error {
	text, err := Render(d)
	if err != nil {
		return err
	}
	path := filepath.Join(a.unitDir, d.UnitName())
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write unit file %s: %w", path, err)
	}
	return nil
}

// retireUnit stops, disables, and removes one unit left over from a
// previous generation. Every step tolerates the unit already being
// gone.
func (a *DBusApplier) retireUnit(ctx context.Context, unitName string) {
	if err := a.runJob(ctx, "stop "+unitName, func(ch chan<- string) (int, error) {
		return a.conn.StopUnitContext(ctx, unitName, "replace", ch)
	}); err != nil {
		log.Printf("WARN: stale unit %s: %v", unitName, err)
	}
	if _, err := a.conn.DisableUnitFilesContext(ctx, []string{unitName}, false); err != nil {
		log.Printf("WARN: stale unit %s: failed to disable: %v", unitName, err)
	}
	if err := a.conn.ResetFailedUnitContext(ctx, unitName); err == nil {
		log.Printf("INFO: cleared failed state of stale unit %s", unitName)
	}
	path := filepath.Join(a.unitDir, unitName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: stale unit %s: failed to remove %s: %v", unitName, path, err)
	}
}

func (a *DBusApplier) activeStates(ctx context.Context, reg *api.Registry) (map[string]string, error) {
	names := make([]string, 0, reg.Len())
	for _, name := range reg.Names() {
		if d, ok := reg.Get(name); ok {
			names = append(names, d.UnitName())
		}
	}
	states, err := a.Units(ctx, names)
	if err != nil {
		return nil, err
	}
	active := make(map[string]string, len(states))
	for _, st := range states {
		active[st.Name] = st.ActiveState
	}
	return active, nil
}

// reconcileUnit brings one unit in line with its descriptor: automatic
// units are enabled and (re)started; manual units are disabled and only
// restarted when already running, so an operator-initiated start picks
// up the new configuration without being forced on boot.
func (a *DBusApplier) reconcileUnit(ctx context.Context, d *api.ServiceDescriptor, active map[string]string) error {
	unitName := d.UnitName()
	if d.AutoStart {
		if _, _, err := a.conn.EnableUnitFilesContext(ctx, []string{unitName}, false, true); err != nil {
			return fmt.Errorf("failed to enable %s: %w", unitName, err)
		}
		return a.runJob(ctx, "restart "+unitName, func(ch chan<- string) (int, error) {
			return a.conn.RestartUnitContext(ctx, unitName, "replace", ch)
		})
	}

	// Manual units have no [Install] section, so disabling only
	// removes leftover symlinks from when auto_start was on.
	if _, err := a.conn.DisableUnitFilesContext(ctx, []string{unitName}, false); err != nil {
		log.Printf("WARN: unit %s: failed to disable: %v", unitName, err)
	}
	if active[unitName] == "active" {
		return a.runJob(ctx, "restart "+unitName, func(ch chan<- string) (int, error) {
			return a.conn.RestartUnitContext(ctx, unitName, "replace", ch)
		})
	}
	return nil
}

// runJob queues one systemd job and waits for its result. Anything but
// "done" is a failure.
func (a *DBusApplier) runJob(ctx context.Context, op string, queue func(ch chan<- string) (int, error)) error {
	ch := make(chan string, 1)
	if _, err := queue(ch); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s finished with result %q", op, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
