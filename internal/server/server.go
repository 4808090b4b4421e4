package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"tunneld/internal/certs"
	"tunneld/internal/events"
	"tunneld/internal/generator"
	"tunneld/internal/health"
	"tunneld/internal/preflight"
	"tunneld/internal/runtime/supervisor"
	"tunneld/internal/state"
	"tunneld/internal/systemd"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
)

// DefaultListen is the control API bind address. The API carries no
// authentication, so it stays on loopback unless the operator says
// otherwise.
const DefaultListen = "127.0.0.1:7433"

// UnitSource reports runtime state of managed units over the systemd
// bus. *systemd.DBusApplier satisfies it.
type UnitSource interface {
	Units(ctx context.Context, names []string) ([]systemd.UnitState, error)
	Version() (string, error)
}

// CertView is the certificate store slice the API serves from.
type CertView interface {
	Lookup(host string) (*certs.ManagedCert, error)
	List() ([]certs.ManagedCert, error)
	IssuanceDir() string
}

// CertIssuer requests issuance or renewal of one host certificate.
type CertIssuer interface {
	Issue(host string) error
}

// ChallengeHandler serves pending HTTP-01 challenge responses.
type ChallengeHandler interface {
	Handler() http.Handler
}

// GenerationSource lists recorded unit generations.
type GenerationSource interface {
	Generations(ctx context.Context, limit int) ([]state.Generation, error)
}

// Config wires the control server. Units, Issuer, Challenges, and
// State may be nil; the corresponding endpoints and background tasks
// degrade instead of failing.
type Config struct {
	Listen     string
	Version    string
	Generator  *generator.Generator
	Certs      CertView
	Issuer     CertIssuer
	Challenges ChallengeHandler
	Units      UnitSource
	State      GenerationSource
	Bus        *events.Bus
}

// Server is the tunneld control plane: the HTTP API plus the
// background components that watch units and renew certificates.
type Server struct {
	cfg        Config
	router     *gin.Engine
	supervisor *supervisor.Supervisor
	tracker    *health.Tracker
	preflight  *preflight.Runner
	eventLog   *eventLog

	apiValidator *openAPIValidator

	httpSrv  *http.Server
	listener net.Listener

	applyMu sync.Mutex

	mu         sync.RWMutex
	lastResult *generator.Result
	lastGen    *state.Generation
	lastErr    string
	appliedAt  time.Time
	unitStates map[string]systemd.UnitState
}

// New assembles the control server around an already-wired generator
// and its collaborators.
func New(cfg Config) (*Server, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("server: generator is required")
	}
	if cfg.Certs == nil {
		return nil, fmt.Errorf("server: certificate store is required")
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		supervisor: supervisor.New(),
		tracker:    health.NewTracker(),
		preflight:  preflight.NewRunner(cfg.Certs, cfg.Units, nil),
		eventLog:   newEventLog(eventLogCapacity),
		unitStates: make(map[string]systemd.UnitState),
	}

	// Seed baseline health statuses; components refine them as they run.
	s.tracker.Setf(health.ComponentConfig, health.LevelWarn, "no generation applied yet")
	if cfg.Units != nil {
		s.tracker.Setf(health.ComponentSystemd, health.LevelOK, "bus connected")
	} else {
		s.tracker.Setf(health.ComponentSystemd, health.LevelWarn, "no bus connection")
	}
	if cfg.Issuer != nil {
		s.tracker.Setf(health.ComponentCerts, health.LevelOK, "issuer ready")
	} else {
		s.tracker.Setf(health.ComponentCerts, health.LevelWarn, "issuance disabled")
	}
	if cfg.State != nil {
		s.tracker.Setf(health.ComponentState, health.LevelOK, "generation store open")
	} else {
		s.tracker.Setf(health.ComponentState, health.LevelWarn, "generation store disabled")
	}
	s.tracker.Setf(health.ComponentAPI, health.LevelWarn, "not listening yet")

	if cfg.Bus != nil {
		s.supervisor.Register(newEventLogObserver(cfg.Bus, s.eventLog))
	}
	if cfg.Units != nil {
		s.supervisor.Register(supervisor.NewPeriodic("unit-watcher",
			5*time.Second, 30*time.Second, s.pollUnits))
	}
	if cfg.Issuer != nil {
		s.supervisor.Register(supervisor.NewPeriodic("cert-renewal",
			30*time.Second, 12*time.Hour, s.renewDueCertificates))
	}

	s.setupRoutes()
	return s, nil
}

// Apply regenerates units from the config document and reconciles
// systemd with the result. Calls are serialized; the API and the
// signal handler share this path.
func (s *Server) Apply(ctx context.Context) (*state.Generation, *generator.Result, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	gen, res, err := s.cfg.Generator.Apply(ctx)
	s.recordOutcome(gen, res, err)
	return gen, res, err
}

func (s *Server) recordOutcome(gen *state.Generation, res *generator.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastResult = res
	if err != nil {
		s.lastErr = err.Error()
		s.tracker.Setf(health.ComponentConfig, health.LevelError, "apply failed: %v", err)
		return
	}
	s.lastErr = ""
	s.lastGen = gen
	s.appliedAt = time.Now().UTC()

	// Forget runtime state of units that no longer exist so /units does
	// not keep reporting them.
	current := make(map[string]bool)
	if res != nil && res.Registry != nil {
		for _, name := range res.Registry.Names() {
			if d, ok := res.Registry.Get(name); ok {
				current[d.UnitName()] = true
			}
		}
	}
	for unit := range s.unitStates {
		if !current[unit] {
			delete(s.unitStates, unit)
		}
	}

	if res != nil && res.Registry != nil {
		if skipped := len(res.Diagnostics); skipped > 0 {
			s.tracker.Setf(health.ComponentConfig, health.LevelWarn,
				"%d unit(s) applied, %d entr(ies) skipped", res.Registry.Len(), skipped)
		} else {
			s.tracker.Setf(health.ComponentConfig, health.LevelOK,
				"%d unit(s) applied", res.Registry.Len())
		}
	}
}

// Start brings up the background components and the HTTP listener,
// then tells systemd the daemon is ready.
func (s *Server) Start() error {
	if err := s.supervisor.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start runtime components: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		_ = s.supervisor.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("WARN: control API server stopped: %v", err)
		}
	}()
	s.tracker.Setf(health.ComponentAPI, health.LevelOK, "listening on %s", ln.Addr())
	log.Printf("INFO: control API listening on http://%s", ln.Addr())

	// Type=notify services get proper readiness tracking in systemd.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("WARN: failed to notify systemd of readiness: %v", err)
	} else if sent {
		log.Printf("INFO: notified systemd that tunneld is ready")
	}
	return nil
}

// Stop shuts down the HTTP listener and the background components.
func (s *Server) Stop() error {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("WARN: control API shutdown failed: %v", err)
		}
		s.httpSrv = nil
		s.listener = nil
	}
	if err := s.supervisor.Stop(context.Background()); err != nil {
		log.Printf("WARN: failed to stop components cleanly: %v", err)
		return err
	}
	return nil
}

// Addr returns the bound listener address, for tests that listen on
// an ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Router exposes the HTTP handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// currentResult returns the last applied result, or a fresh build when
// nothing has been applied yet so read endpoints work before the first
// apply.
func (s *Server) currentResult() (*generator.Result, error) {
	s.mu.RLock()
	res := s.lastResult
	s.mu.RUnlock()
	if res != nil && res.Registry != nil {
		return res, nil
	}
	return s.cfg.Generator.Build()
}

func (s *Server) currentUnitNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil || s.lastResult.Registry == nil {
		return nil
	}
	reg := s.lastResult.Registry
	names := make([]string, 0, reg.Len())
	for _, name := range reg.Names() {
		if d, ok := reg.Get(name); ok {
			names = append(names, d.UnitName())
		}
	}
	return names
}
