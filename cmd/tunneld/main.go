package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"tunneld/internal/certs"
	"tunneld/internal/certs/acme"
	"tunneld/internal/events"
	"tunneld/internal/generator"
	"tunneld/internal/server"
	"tunneld/internal/state"
	"tunneld/internal/state/paths"
	"tunneld/internal/systemd"
)

var version = "dev"

const defaultConfigPath = "/etc/tunneld/tunneld.yaml"

var (
	configPath      string
	stateDir        string
	listenAddr      string
	oneshotDir      string
	checkOnly       bool
	continueOnError bool
	acmeEmail       string
	showVersion     bool
)

func main() {
	flag.StringVar(&configPath, "config", defaultConfigPath, "tunnel endpoint document to load")
	flag.StringVar(&stateDir, "state-dir", "", "state directory (overrides $TUNNELD_STATE_DIR)")
	flag.StringVar(&listenAddr, "listen", server.DefaultListen, "control API listen address")
	flag.StringVar(&oneshotDir, "oneshot", "", "render unit files into this directory and exit")
	flag.BoolVar(&checkOnly, "check", false, "validate the document, print diagnostics, and exit")
	flag.BoolVar(&continueOnError, "continue-on-error", false, "apply healthy endpoints even when others fail validation")
	flag.StringVar(&acmeEmail, "acme-email", "", "account email for certificate issuance (issuance disabled when empty)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if flag.NArg() > 0 {
		flag.Usage()
		log.Fatalf("FATAL: unexpected arguments: %v", flag.Args())
	}

	if showVersion {
		fmt.Printf("tunneld version %s\n", version)
		return
	}

	// The state directory must be pinned before anything resolves a
	// path under it.
	if stateDir != "" {
		os.Setenv("TUNNELD_STATE_DIR", stateDir)
	}

	switch {
	case checkOnly:
		os.Exit(runCheck())
	case oneshotDir != "":
		os.Exit(runOneshot())
	default:
		os.Exit(runDaemon())
	}
}

// runCheck validates the document without touching systemd or the
// state store. Certificate references are resolved against the same
// directories the daemon would use, so a passing check means a real
// apply would produce units.
func runCheck() int {
	gen := generator.New(generator.Config{
		ConfigPath:      configPath,
		ContinueOnError: continueOnError,
		Certs:           certs.NewStore(),
	})
	res, err := gen.Check()
	if res == nil {
		log.Printf("ERROR: %v", err)
		return 1
	}
	for _, d := range res.Diagnostics {
		log.Printf("ERROR: %s: %s: %s", d.Entry, d.Kind, d.Message)
	}
	if err != nil || len(res.Diagnostics) > 0 {
		return 1
	}
	log.Printf("INFO: %s: %d unit(s), config hash %s", configPath, res.Registry.Len(), res.ConfigHash)
	return 0
}

// runOneshot renders unit files into a directory and exits. Meant for
// image builds and provisioning scripts where no systemd instance is
// reachable.
func runOneshot() int {
	gen := generator.New(generator.Config{
		ConfigPath:      configPath,
		ContinueOnError: continueOnError,
		Certs:           certs.NewStore(),
		Applier:         &systemd.DirWriter{Dir: oneshotDir},
	})
	_, res, err := gen.Apply(context.Background())
	if err != nil {
		if res != nil {
			for _, d := range res.Diagnostics {
				log.Printf("ERROR: %s: %s: %s", d.Entry, d.Kind, d.Message)
			}
		}
		log.Printf("ERROR: %v", err)
		return 1
	}
	log.Printf("INFO: wrote %d unit file(s) to %s", res.Registry.Len(), oneshotDir)
	return 0
}

func runDaemon() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applier, err := systemd.NewDBusApplier(ctx, "")
	if err != nil {
		log.Fatalf("FATAL: systemd bus unavailable: %v", err)
	}
	defer applier.Close()
	if sysv, err := applier.Version(); err == nil {
		log.Printf("INFO: connected to systemd %s", sysv)
	}

	// A broken state store degrades bookkeeping, it does not stop the
	// daemon: units can still be generated and applied.
	store, err := state.Open(paths.StateDB())
	if err != nil {
		log.Printf("WARN: generation bookkeeping disabled: %v", err)
		store = nil
	} else {
		defer store.Close()
	}

	certStore := certs.NewStore()
	bus := events.NewBus()

	genCfg := generator.Config{
		ConfigPath:      configPath,
		ContinueOnError: continueOnError,
		Certs:           certStore,
		Applier:         applier,
		Bus:             bus,
	}
	if store != nil {
		genCfg.State = store
	}
	gen := generator.New(genCfg)

	srvCfg := server.Config{
		Listen:    listenAddr,
		Version:   version,
		Generator: gen,
		Certs:     certStore,
		Units:     applier,
		Bus:       bus,
	}
	if store != nil {
		srvCfg.State = store
	}
	if acmeEmail != "" {
		sink := acme.NewMemorySink()
		srvCfg.Issuer = acme.NewIssuer(sink, acmeEmail, "")
		srvCfg.Challenges = sink
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("FATAL: failed to initialize server: %v", err)
	}

	// Apply before the listener comes up so that by the time systemd
	// sees READY the tunnel units exist. A failure here is not fatal:
	// the operator can fix the document and reload.
	if _, res, err := srv.Apply(ctx); err != nil {
		log.Printf("WARN: initial apply failed: %v", err)
	} else {
		log.Printf("INFO: applied %d unit(s) from %s", res.Registry.Len(), configPath)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("FATAL: server failed to start: %v", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Printf("INFO: SIGHUP received, regenerating units")
			if _, _, err := srv.Apply(ctx); err != nil {
				log.Printf("ERROR: reload failed: %v", err)
			}
			continue
		}
		log.Printf("INFO: %s received, shutting down", sig)
		break
	}

	if err := srv.Stop(); err != nil {
		log.Printf("WARN: shutdown: %v", err)
		return 1
	}
	return 0
}
