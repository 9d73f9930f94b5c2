package sandbox

import (
	"log"
	"time"
)

// Built-in container-backed sandbox types. Cloud types register
// themselves from their own packages so that importing a backend is what
// enables it.

func init() {
	for _, reg := range []Registration{
		{
			Type:          TypeBase,
			Kind:          KindContainer,
			Image:         "runbox/sandbox-base:latest",
			SecurityLevel: "medium",
			Timeout:       DefaultDeployTimeout,
			Description:   "Shell and Python execution sandbox",
			Environment: map[string]string{
				"SANDBOX_ROOT": "/sandbox/workspace",
			},
			AcceptsMCP: true,
		},
		{
			Type:          TypeFilesystem,
			Kind:          KindContainer,
			Image:         "runbox/sandbox-filesystem:latest",
			SecurityLevel: "medium",
			Timeout:       DefaultDeployTimeout,
			Description:   "File-operation sandbox with a persistent workspace mount",
			Environment: map[string]string{
				"SANDBOX_ROOT": "/sandbox/workspace",
			},
			StaticVolumes: []VolumeBinding{
				{HostPath: "/var/lib/runbox/shared", ContainerPath: "/sandbox/shared", Mode: "ro"},
			},
			AcceptsMCP: true,
		},
		{
			Type:          TypeBrowser,
			Kind:          KindContainer,
			Image:         "runbox/sandbox-browser:latest",
			SecurityLevel: "high",
			// Browser images are slow starters.
			Timeout:     5 * time.Minute,
			Description: "Browser-automation sandbox",
			Environment: map[string]string{
				"SANDBOX_ROOT": "/sandbox/workspace",
				"DISPLAY":      ":99",
			},
			AcceptsMCP: true,
		},
	} {
		if err := DefaultRegistry.Register(reg); err != nil {
			log.Fatalf("register built-in sandbox type %s: %v", reg.Type, err)
		}
	}
}
