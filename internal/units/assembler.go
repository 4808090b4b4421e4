// Package units assembles compiled invocations into the service
// registry that the appliers install. Assembly walks server entries
// first, then client entries, each in sorted name order, so a given
// config always produces the same registry.
package units

import (
	"errors"

	"tunneld/internal/api"
	"tunneld/internal/compile"
)

// Assembler builds service descriptors for every enabled entry of a
// validated config.
type Assembler struct {
	compiler        *compile.Compiler
	continueOnError bool
}

// NewAssembler returns an assembler backed by the given compiler.
// continueOnError selects what happens when a server's managed
// certificate cannot be resolved: skip that entry and keep going, or
// abort the whole pass.
func NewAssembler(compiler *compile.Compiler, continueOnError bool) *Assembler {
	return &Assembler{compiler: compiler, continueOnError: continueOnError}
}

// Assemble compiles every enabled entry into a descriptor and registers
// it. The returned diagnostics carry the certificate failures of
// skipped entries; they are only non-empty in continue-on-error mode or
// alongside a non-nil error.
func (a *Assembler) Assemble(cfg *api.TunnelsConfig) (*api.Registry, api.Diagnostics, error) {
	reg := api.NewRegistry()
	var diags api.Diagnostics

	for _, name := range cfg.ServerNames() {
		sc := cfg.Servers[name]
		if sc == nil || !sc.Enabled() {
			continue
		}
		inv, groups, err := a.compiler.Server(name, sc)
		if err != nil {
			var diag *api.Diagnostic
			if errors.As(err, &diag) && diag.Kind == api.ErrorKindMissingCertificateReference {
				diags = append(diags, diag)
				if a.continueOnError {
					continue
				}
			}
			return nil, diags, err
		}
		d := &api.ServiceDescriptor{
			Name:                api.ServiceKindServer.ServiceName(name),
			Kind:                api.ServiceKindServer,
			Entry:               api.ServiceKindServer.Entry(name),
			Description:         "wstunnel server for " + name,
			Invocation:          inv,
			AutoStart:           sc.Autostarted(),
			EnvironmentFile:     sc.EnvironmentFile,
			SupplementaryGroups: groups,
		}
		if err := reg.Add(d); err != nil {
			return nil, diags, err
		}
	}

	for _, name := range cfg.ClientNames() {
		cc := cfg.Clients[name]
		if cc == nil || !cc.Enabled() {
			continue
		}
		d := &api.ServiceDescriptor{
			Name:            api.ServiceKindClient.ServiceName(name),
			Kind:            api.ServiceKindClient,
			Entry:           api.ServiceKindClient.Entry(name),
			Description:     "wstunnel client for " + name,
			Invocation:      a.compiler.Client(name, cc),
			AutoStart:       cc.Autostarted(),
			EnvironmentFile: cc.EnvironmentFile,
		}
		if err := reg.Add(d); err != nil {
			return nil, diags, err
		}
	}

	return reg, diags, nil
}
