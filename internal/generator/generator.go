// Package generator drives the pipeline from config document to
// installed units: parse, validate, compile, assemble, apply. It owns
// the generation bookkeeping that lets a pass retire units whose
// entries disappeared since the previous apply.
package generator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"tunneld/internal/api"
	"tunneld/internal/certs"
	"tunneld/internal/compile"
	"tunneld/internal/config"
	"tunneld/internal/events"
	"tunneld/internal/state"
	"tunneld/internal/systemd"
	"tunneld/internal/units"
)

// CertStore is the certificate registry slice the generator needs.
type CertStore interface {
	Lookup(host string) (*certs.ManagedCert, error)
}

// GenerationStore persists the unit set of each applied pass.
type GenerationStore interface {
	CurrentUnits(ctx context.Context) ([]string, error)
	RecordGeneration(ctx context.Context, configHash string, units []string) (*state.Generation, error)
}

// Config wires a generator. State and Bus may be nil: without state
// there is no stale-unit bookkeeping (oneshot mode), without a bus no
// events are published.
type Config struct {
	ConfigPath      string
	ContinueOnError bool
	Certs           CertStore
	State           GenerationStore
	Applier         systemd.Applier
	Bus             *events.Bus
}

// Generator turns the config document into applied units.
type Generator struct {
	cfg Config
}

func New(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// Result is the outcome of one pipeline pass. Diagnostics carry the
// schema violations of a rejected config, or the certificate failures
// of skipped entries in continue-on-error mode.
type Result struct {
	Config      *api.TunnelsConfig `json:"-"`
	ConfigHash  string             `json:"config_hash"`
	Registry    *api.Registry      `json:"registry,omitempty"`
	Diagnostics api.Diagnostics    `json:"diagnostics,omitempty"`
}

// Build parses, validates, and assembles the config into a registry
// without touching systemd. A disabled config short-circuits to an
// empty registry; applying that retires everything.
func (g *Generator) Build() (*Result, error) {
	raw, err := g.readConfig()
	if err != nil {
		return nil, err
	}
	return g.buildRaw(raw, false)
}

// Check is Build for validation runs: entries are validated even when
// the config is disabled as a whole, and certificate failures are
// collected instead of aborting so one run reports everything.
func (g *Generator) Check() (*Result, error) {
	raw, err := g.readConfig()
	if err != nil {
		return nil, err
	}
	return g.buildRaw(raw, true)
}

// CheckBytes validates a config document supplied by the caller, for
// validating a candidate document without touching the configured path.
func (g *Generator) CheckBytes(raw []byte) (*Result, error) {
	return g.buildRaw(raw, true)
}

func (g *Generator) readConfig() ([]byte, error) {
	raw, err := os.ReadFile(g.cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", g.cfg.ConfigPath, err)
	}
	return raw, nil
}

func (g *Generator) buildRaw(raw []byte, check bool) (*Result, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(raw))

	cfg, diags, err := config.Parse(raw)
	if err != nil {
		return &Result{ConfigHash: hash}, err
	}

	if !cfg.Enable && !check {
		return &Result{Config: cfg, ConfigHash: hash, Registry: api.NewRegistry()}, nil
	}

	if len(diags) > 0 {
		return &Result{Config: cfg, ConfigHash: hash, Diagnostics: diags}, diags.Err()
	}

	if !cfg.Enable {
		return &Result{Config: cfg, ConfigHash: hash, Registry: api.NewRegistry()}, nil
	}

	var resolver compile.CertificateResolver
	if g.cfg.Certs != nil {
		resolver = certResolver{store: g.cfg.Certs}
	}
	asm := units.NewAssembler(compile.New(cfg.Binary(), resolver), g.cfg.ContinueOnError || check)
	reg, adiags, err := asm.Assemble(cfg)
	if err != nil {
		return &Result{Config: cfg, ConfigHash: hash, Diagnostics: adiags}, err
	}
	if !check {
		for _, d := range adiags {
			log.Printf("WARN: skipped %s: %s", d.Entry, d.Message)
		}
	}
	return &Result{Config: cfg, ConfigHash: hash, Registry: reg, Diagnostics: adiags}, nil
}

// Apply builds the registry and reconciles systemd with it: new and
// changed units are installed, units from the previous generation that
// no longer exist are retired, and the resulting unit set is recorded.
func (g *Generator) Apply(ctx context.Context) (*state.Generation, *Result, error) {
	res, err := g.Build()
	if err != nil {
		return nil, res, err
	}

	var previous []string
	if g.cfg.State != nil {
		previous, err = g.cfg.State.CurrentUnits(ctx)
		if err != nil {
			return nil, res, err
		}
	}
	current := unitNames(res.Registry)
	stale := state.StaleUnits(previous, current)

	if err := g.cfg.Applier.Apply(ctx, res.Registry, stale); err != nil {
		return nil, res, err
	}

	var gen *state.Generation
	if g.cfg.State != nil {
		gen, err = g.cfg.State.RecordGeneration(ctx, res.ConfigHash, current)
		if err != nil {
			// A read-only state filesystem downgrades bookkeeping to
			// best effort; the units themselves are already live.
			if !errors.Is(err, state.ErrReadOnly) {
				return nil, res, err
			}
			log.Printf("WARN: state store is read-only, generation not recorded")
		}
	}

	g.publishApplied(res, gen, current, stale)
	log.Printf("INFO: generation applied: %d unit(s), %d retired, config %.12s",
		len(current), len(stale), res.ConfigHash)
	return gen, res, nil
}

func (g *Generator) publishApplied(res *Result, gen *state.Generation, current, stale []string) {
	if g.cfg.Bus == nil {
		return
	}
	var (
		id        int64
		appliedAt time.Time
	)
	if gen != nil {
		id = gen.ID
		appliedAt = gen.AppliedAt
	} else {
		appliedAt = time.Now().UTC()
	}
	g.cfg.Bus.Publish(events.Event{
		Topic: events.TopicGenerationApplied,
		Payload: events.GenerationApplied{
			Generation: id,
			ConfigHash: res.ConfigHash,
			Units:      current,
			Stale:      stale,
			AppliedAt:  appliedAt,
		},
	})
	if res.Config != nil {
		g.cfg.Bus.Publish(events.Event{
			Topic: events.TopicConfigReloaded,
			Payload: events.ConfigReloaded{
				Path:       g.cfg.ConfigPath,
				ConfigHash: res.ConfigHash,
				Servers:    len(res.Config.Servers),
				Clients:    len(res.Config.Clients),
			},
		})
	}
}

func unitNames(reg *api.Registry) []string {
	if reg == nil {
		return nil
	}
	names := make([]string, 0, reg.Len())
	for _, name := range reg.Names() {
		if d, ok := reg.Get(name); ok {
			names = append(names, d.UnitName())
		}
	}
	return names
}

// certResolver adapts the certificate store to the compiler's resolver
// interface.
type certResolver struct {
	store CertStore
}

func (r certResolver) Resolve(host string) (*compile.ResolvedCertificate, error) {
	mc, err := r.store.Lookup(host)
	if err != nil {
		return nil, err
	}
	return &compile.ResolvedCertificate{
		CertificatePath: mc.CertificatePath,
		KeyPath:         mc.KeyPath,
		OwnerGroup:      mc.OwnerGroup,
	}, nil
}
