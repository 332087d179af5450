package engine

import (
	"context"
)

// InstanceSpec describes the VM the create step asks the backend for.
type InstanceSpec struct {
	Name          string
	ProjectID     string
	Zone          string
	Network       string
	Subnetwork    string
	StartupScript string
	DeploymentID  string

	// AgentConfig is the JSON encoded DeploymentConfig stored in instance metadata.
	AgentConfig string
}

// Instance is the handle returned by a successful create.
type Instance struct {
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
	Zone      string `json:"zone"`
	SelfLink  string `json:"selfLink"`

	// Simulated is set when the instance only exists in the simulation backend,
	// either because the process runs simulated or because the real create failed.
	Simulated bool `json:"simulated"`
}

// InstanceStatusRunning is the status reported by a ready instance.
const InstanceStatusRunning = "RUNNING"

// Provisioner is the capability the orchestrator drives VMs through.
type Provisioner interface {
	// Simulated reports whether the process-wide backend is the simulation backend.
	Simulated() bool

	// Name returns the active backend name, used in logs and health output.
	Name() string

	// NetworkExists checks whether the named network exists in the project.
	NetworkExists(ctx context.Context, projectID, network string) (bool, error)

	// CreateInstance creates the VM. Real failures fall back to simulation.
	CreateInstance(ctx context.Context, spec InstanceSpec) (*Instance, error)

	// WaitReady blocks until the instance runs. A non-running instance is an error.
	WaitReady(ctx context.Context, inst *Instance) error

	// ExternalAddress returns the instance's public address.
	ExternalAddress(ctx context.Context, inst *Instance) (string, error)

	// InternalAddress returns the instance's private address.
	InternalAddress(ctx context.Context, inst *Instance) (string, error)
}

// ScriptRenderer produces the boot-time provisioning script for a deployment.
type ScriptRenderer interface {
	Render(cfg DeploymentConfig, deploymentID string) (string, error)
}

// ProgressFunc receives every StepEvent emitted by a run.
type ProgressFunc func(StepEvent)
