package sandbox

import (
	"context"
	"time"
)

// ContainerSpec describes the container to create. Volume bindings are
// expected to already be merged through MergeVolumes.
type ContainerSpec struct {
	Image   string
	Name    string
	Env     map[string]string
	Volumes []VolumeBinding
	// HostPort is bound on 127.0.0.1 and mapped to ContainerPort.
	HostPort      int
	ContainerPort int
	Labels        map[string]string
}

// ContainerHandle identifies a created container to its backend.
type ContainerHandle struct {
	ID   string
	Name string
	// Address is the host-reachable base address of the container's
	// daemon port, e.g. "127.0.0.1:32801" or a pod IP.
	Address string
}

// ExecOutput is the result of a synchronous in-container command.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerClient exposes uniform verbs over a concrete container
// runtime. All operations may block on network I/O to the backend.
//
// Semantics required of every implementation:
//   - Stop is idempotent: stopping a stopped container is not an error.
//   - Remove tolerates "already removed" as success, so cleanup storms
//     cannot become fatal.
//   - WaitReady returns false (not an error) on timeout, leaving the
//     retry-vs-fail policy to the caller.
type ContainerClient interface {
	Create(ctx context.Context, spec ContainerSpec) (ContainerHandle, error)
	Start(ctx context.Context, handle ContainerHandle) error
	Stop(ctx context.Context, handle ContainerHandle) error
	Remove(ctx context.Context, handle ContainerHandle) error
	Exec(ctx context.Context, handle ContainerHandle, cmd []string) (ExecOutput, error)
	WaitReady(ctx context.Context, handle ContainerHandle, timeout time.Duration) bool
	// Address resolves the host-reachable daemon address. Backends that
	// only learn it after the container is ready (pod IPs) resolve it
	// here; others echo the handle's address.
	Address(ctx context.Context, handle ContainerHandle) (string, error)
	// List returns handles of containers carrying the given labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerHandle, error)
	Backend() string
	Close() error
}

// ManagedLabels are stamped on every container so orphans can be found
// and cleaned up.
func ManagedLabels(typ Type) map[string]string {
	return map[string]string{
		"managed":      "runbox",
		"sandbox-type": typ.String(),
	}
}

// DisableProxyEnv forces proxy variables empty in the container
// environment. Host proxy settings leaking into the container break
// in-container network calls on some host setups (WSL in particular).
func DisableProxyEnv(env map[string]string) map[string]string {
	if env == nil {
		env = make(map[string]string)
	}
	env["HTTP_PROXY"] = ""
	env["HTTPS_PROXY"] = ""
	env["http_proxy"] = ""
	env["https_proxy"] = ""
	env["NO_PROXY"] = "*"
	return env
}

// RetryTransient runs op up to attempts times, backing off between
// tries. Used by backends to absorb transient daemon/API connectivity
// failures before surfacing a ContainerClientError.
func RetryTransient(ctx context.Context, attempts int, op func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return err
}
