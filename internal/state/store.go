// Package state persists the unit set of each applied generation so
// the next pass can retire units whose entries disappeared from the
// config. The store is a single SQLite database under the state root.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"tunneld/internal/state/paths"
)

const (
	schemaVersion   = 1
	keepGenerations = 20
)

const defaultCheckpointInterval = time.Minute

// ErrReadOnly is returned for writes when the state filesystem is
// mounted read-only.
var ErrReadOnly = errors.New("state store is read-only")

var defaultCheckpointFn = func(db *sql.DB) error {
	_, err := db.Exec(`PRAGMA wal_checkpoint(PASSIVE);`)
	return err
}

var detectReadOnlyMount = defaultReadOnlyDetector

func defaultReadOnlyDetector(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.ST_RDONLY != 0, nil
}

// Generation is one recorded apply pass.
type Generation struct {
	ID         int64     `json:"id"`
	ConfigHash string    `json:"config_hash"`
	UnitCount  int       `json:"unit_count"`
	AppliedAt  time.Time `json:"applied_at"`
	Units      []string  `json:"units,omitempty"`
}

// Store tracks applied generations and their unit sets.
type Store struct {
	mu                 sync.Mutex
	db                 *sql.DB
	path               string
	readOnly           bool
	checkpointFn       func(*sql.DB) error
	checkpointInterval time.Duration
	lastCheckpoint     time.Time
}

// Open opens (creating if needed) the generation database. An empty
// path selects the default location under the state root.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = paths.StateDB()
	}
	// Traverse-only for others: issued certificates live under the
	// same root and must stay reachable for service users.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o711); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	readOnly := false
	if ro, err := detectReadOnlyMount(dir); err == nil {
		readOnly = ro
	}
	if readOnly {
		if _, err := os.Stat(dbPath); err != nil {
			return nil, fmt.Errorf("state database unavailable on read-only filesystem: %w", err)
		}
	}

	dsn := dbPath
	if readOnly {
		dsn = buildSQLiteDSN(dbPath, true)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := configureSQLite(db, readOnly); err != nil {
		db.Close()
		return nil, err
	}
	if !readOnly {
		if err := applyMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:                 db,
		path:               dbPath,
		readOnly:           readOnly,
		checkpointFn:       defaultCheckpointFn,
		checkpointInterval: defaultCheckpointInterval,
	}, nil
}

func configureSQLite(db *sql.DB, readOnly bool) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if readOnly {
		if _, err := db.Exec(`PRAGMA query_only=1;`); err != nil {
			return fmt.Errorf("set query_only: %w", err)
		}
		return nil
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=FULL;`); err != nil {
		return fmt.Errorf("set synchronous: %w", err)
	}
	return nil
}

func applyMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			config_hash TEXT NOT NULL,
			unit_count INTEGER NOT NULL,
			applied_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS generation_units (
			generation_id INTEGER NOT NULL,
			unit_name TEXT NOT NULL,
			PRIMARY KEY (generation_id, unit_name)
		);`,
		`PRAGMA user_version=` + fmt.Sprint(schemaVersion) + `;`,
	}
	for _, stmt := range stmts {
		if _, err = tx.Exec(stmt); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.readOnly && s.checkpointFn != nil {
		if err := s.checkpointFn(s.db); err != nil {
			log.Printf("WARN: state-store checkpoint failed: %v", err)
		}
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CurrentUnits returns the unit names of the latest recorded
// generation, sorted, or nil when nothing has been applied yet.
func (s *Store) CurrentUnits(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM generations ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest generation: %w", err)
	}
	return s.unitsForLocked(ctx, id)
}

func (s *Store) unitsForLocked(ctx context.Context, id int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_name FROM generation_units WHERE generation_id=? ORDER BY unit_name`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation units: %w", err)
	}
	defer rows.Close()

	var units []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		units = append(units, name)
	}
	return units, rows.Err()
}

// RecordGeneration stores a new generation with its unit set and prunes
// history beyond the retention window.
func (s *Store) RecordGeneration(ctx context.Context, configHash string, units []string) (*Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return nil, ErrReadOnly
	}

	sorted := append([]string(nil), units...)
	sort.Strings(sorted)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO generations (config_hash, unit_count, applied_at) VALUES (?, ?, ?)`,
		configHash, len(sorted), now.Format(time.RFC3339Nano))
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to record generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	for _, name := range sorted {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO generation_units (generation_id, unit_name) VALUES (?, ?)`, id, name); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("failed to record generation unit %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM generations WHERE id NOT IN (SELECT id FROM generations ORDER BY id DESC LIMIT ?)`,
		keepGenerations); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM generation_units WHERE generation_id NOT IN (SELECT id FROM generations)`); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.maybeCheckpointLocked()
	return &Generation{
		ID:         id,
		ConfigHash: configHash,
		UnitCount:  len(sorted),
		AppliedAt:  now,
		Units:      sorted,
	}, nil
}

// Generations lists recorded generations, newest first. A limit of 0
// selects the whole retention window.
func (s *Store) Generations(ctx context.Context, limit int) ([]Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > keepGenerations {
		limit = keepGenerations
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, config_hash, unit_count, applied_at FROM generations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var gens []Generation
	for rows.Next() {
		var (
			g       Generation
			applied string
		)
		if err := rows.Scan(&g.ID, &g.ConfigHash, &g.UnitCount, &applied); err != nil {
			return nil, err
		}
		g.AppliedAt = parseTimestamp(applied)
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// StaleUnits returns the units of the previous generation that are
// absent from the current one, sorted.
func StaleUnits(previous, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, name := range current {
		keep[name] = struct{}{}
	}
	var stale []string
	for _, name := range previous {
		if _, ok := keep[name]; !ok {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}

func (s *Store) maybeCheckpointLocked() {
	if s.db == nil || s.readOnly || s.checkpointFn == nil {
		return
	}
	if s.checkpointInterval > 0 && !s.lastCheckpoint.IsZero() {
		if time.Since(s.lastCheckpoint) < s.checkpointInterval {
			return
		}
	}
	if err := s.checkpointFn(s.db); err != nil {
		log.Printf("WARN: state-store checkpoint failed: %v", err)
		return
	}
	s.lastCheckpoint = time.Now().UTC()
}

func parseTimestamp(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func buildSQLiteDSN(path string, readOnly bool) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	if !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	u := &url.URL{Scheme: "file", Path: abs}
	if readOnly {
		u.RawQuery = "mode=ro"
	}
	return u.String()
}
