package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError reports missing or invalid backend configuration.
// It fails fast at construction and is never retried.
type ConfigurationError struct {
	Backend string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Backend, e.Reason)
}

// UnknownTypeError is returned when a requested sandbox type has no
// registration.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown sandbox type %q", e.Type)
}

// DuplicateRegistrationError is returned when a type is registered twice
// with a different definition.
type DuplicateRegistrationError struct {
	Type Type
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("sandbox type %q is already registered with a different definition", e.Type)
}

// StartTimeoutError is returned when creation or readiness polling
// exceeded the deploy timeout. The partial container is torn down before
// this surfaces.
type StartTimeoutError struct {
	Type    Type
	Timeout time.Duration
}

func (e *StartTimeoutError) Error() string {
	return fmt.Sprintf("sandbox type %q did not become ready within %s", e.Type, e.Timeout)
}

// ContainerClientError wraps a container backend failure, preserving the
// backend identity for diagnostics.
type ContainerClientError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ContainerClientError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *ContainerClientError) Unwrap() error { return e.Err }

// ToolExecutionError reports that a tool call failed or timed out inside
// an otherwise-healthy sandbox. It does not imply the sandbox itself is
// unhealthy.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ErrReleased is returned when a tool call is dispatched to a handle
// that has already been released.
var ErrReleased = errors.New("sandbox already released")
