// Package provisioning implements the VM provisioning capability used by the
// deployment orchestrator: a real Compute Engine backend, a deterministic
// simulation backend, and the Adapter that selects between them once per
// process and degrades individual calls to simulation.
package provisioning

import (
	"context"
	"fmt"

	"github.com/cloudvibe/agentd/pkg/engine"
)

// Backend names.
const (
	BackendGCE       = "gce"
	BackendSimulated = "simulated"
)

// Operation names used in logs, spans and metrics.
const (
	OpNetworkExists   = "network-exists"
	OpCreateInstance  = "create-instance"
	OpInstanceStatus  = "instance-status"
	OpExternalAddress = "external-address"
	OpInternalAddress = "internal-address"
)

// Backend is one concrete provisioning variant.
type Backend interface {
	// Name identifies the backend.
	Name() string

	// NetworkExists reports whether the network exists in the project.
	NetworkExists(ctx context.Context, projectID, network string) (bool, error)

	// CreateInstance creates the instance and waits for the create operation.
	CreateInstance(ctx context.Context, spec engine.InstanceSpec) (*engine.Instance, error)

	// InstanceStatus returns the instance lifecycle status, e.g. RUNNING.
	InstanceStatus(ctx context.Context, inst *engine.Instance) (string, error)

	// ExternalAddress returns the NAT address of the first interface.
	ExternalAddress(ctx context.Context, inst *engine.Instance) (string, error)

	// InternalAddress returns the private address of the first interface.
	InternalAddress(ctx context.Context, inst *engine.Instance) (string, error)
}

// Mode selects how the Adapter picks its backend.
type Mode string

const (
	// ModeAuto tries the real backend and falls back to simulation on any init error.
	ModeAuto Mode = "auto"

	// ModeReal requires the real backend; init errors are returned.
	ModeReal Mode = "real"

	// ModeSimulated always uses the simulation backend.
	ModeSimulated Mode = "simulated"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeAuto, ModeReal, ModeSimulated:
		return nil
	default:
		return fmt.Errorf("invalid backend mode: %s", m)
	}
}
