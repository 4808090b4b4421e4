package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const defaultRoot = "/var/lib/tunneld"

var (
	root string
	once sync.Once
)

func resolveRoot() {
	candidate := os.Getenv("TUNNELD_STATE_DIR")
	if candidate == "" {
		candidate = defaultRoot
	}
	root = filepath.Clean(candidate)
}

// Root returns the base directory for generation state and managed
// certificates.
func Root() string {
	once.Do(resolveRoot)
	return root
}

// Join resolves a path relative to the state root.
func Join(elements ...string) string {
	all := append([]string{Root()}, elements...)
	return filepath.Join(all...)
}

func StateDB() string         { return Join("state.db") }
func ACMEDir() string         { return Join("acme") }
func ACMEAccountsDir() string { return Join("acme", "accounts") }

// SetRootForTest resets the cached root so tests can override TUNNELD_STATE_DIR.
func SetRootForTest(dir string) {
	if dir != "" {
		os.Setenv("TUNNELD_STATE_DIR", dir)
	}
	root = ""
	once = sync.Once{}
}
