package systemd

import (
	"fmt"
	"io"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"tunneld/internal/api"
)

// Options expands a descriptor into unit-file options. Every service
// gets the same baseline sandbox; the only per-entry variation is the
// capability grants and, for managed-TLS servers, the supplementary
// groups that make the key readable.
func Options(d *api.ServiceDescriptor) []*unit.UnitOption {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", d.Description),
		unit.NewUnitOption("Unit", "After", "network.target network-online.target"),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),

		unit.NewUnitOption("Service", "Type", "exec"),
		unit.NewUnitOption("Service", "ExecStart", Quote(d.Invocation.Argv)),
	}

	if d.EnvironmentFile != "" {
		opts = append(opts, unit.NewUnitOption("Service", "EnvironmentFile", d.EnvironmentFile))
	}
	if d.WorkingDirectory != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", d.WorkingDirectory))
	}

	opts = append(opts, unit.NewUnitOption("Service", "DynamicUser", "yes"))
	if len(d.SupplementaryGroups) > 0 {
		opts = append(opts, unit.NewUnitOption("Service", "SupplementaryGroups", strings.Join(d.SupplementaryGroups, " ")))
	}
	if !d.Invocation.Caps.Empty() {
		caps := strings.Join(d.Invocation.Caps.SystemdNames(), " ")
		opts = append(opts,
			unit.NewUnitOption("Service", "AmbientCapabilities", caps),
			unit.NewUnitOption("Service", "CapabilityBoundingSet", caps))
	}

	opts = append(opts,
		unit.NewUnitOption("Service", "NoNewPrivileges", "yes"),
		unit.NewUnitOption("Service", "PrivateTmp", "yes"),
		unit.NewUnitOption("Service", "PrivateDevices", "yes"),
		unit.NewUnitOption("Service", "ProtectSystem", "strict"),
		unit.NewUnitOption("Service", "ProtectHome", "yes"),
		unit.NewUnitOption("Service", "ProtectKernelTunables", "yes"),
		unit.NewUnitOption("Service", "ProtectKernelModules", "yes"),
		unit.NewUnitOption("Service", "ProtectControlGroups", "yes"),
		unit.NewUnitOption("Service", "RestrictNamespaces", "uts ipc pid user cgroup"),
		unit.NewUnitOption("Service", "RestrictSUIDSGID", "yes"),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "2"),
	)

	if d.AutoStart {
		opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))
	}

	return opts
}

// Render serializes a descriptor into unit-file text.
func Render(d *api.ServiceDescriptor) (string, error) {
	data, err := io.ReadAll(unit.Serialize(Options(d)))
	if err != nil {
		return "", fmt.Errorf("failed to serialize unit %s: %w", d.UnitName(), err)
	}
	return string(data), nil
}
