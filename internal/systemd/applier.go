package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tunneld/internal/api"
)

// Applier materializes a compiled registry: it installs one unit per
// descriptor and retires the stale units left over from the previous
// generation. Stale names carry the .service suffix.
type Applier interface {
	Apply(ctx context.Context, reg *api.Registry, stale []string) error
}

// DirWriter renders unit files into a directory without talking to
// systemd. It backs the oneshot mode used for image builds and for
// inspecting what a config would install.
type DirWriter struct {
	Dir string
}

func (w *DirWriter) Apply(_ context.Context, reg *api.Registry, stale []string) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create unit directory %s: %w", w.Dir, err)
	}

	for _, name := range reg.Names() {
		d, ok := reg.Get(name)
		if !ok {
			continue
		}
		text, err := Render(d)
		if err != nil {
			return err
		}
		path := filepath.Join(w.Dir, d.UnitName())
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return fmt.Errorf("failed to write unit file %s: %w", path, err)
		}
	}

	for _, unitName := range stale {
		path := filepath.Join(w.Dir, unitName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale unit file %s: %w", path, err)
		}
	}

	return nil
}
