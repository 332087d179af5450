package engine

import (
	"encoding/json"
	"fmt"
)

// DeploymentStatus represents the lifecycle phase of a deployment.
type DeploymentStatus string

const (
	// DeploymentStatusStarting indicates the deployment was accepted but no step has reported yet.
	DeploymentStatusStarting DeploymentStatus = "starting"

	// DeploymentStatusValidating indicates the configuration is being validated.
	DeploymentStatusValidating DeploymentStatus = "validating"

	// DeploymentStatusCreatingVM indicates the VM instance is being created.
	DeploymentStatusCreatingVM DeploymentStatus = "creating-vm"

	// DeploymentStatusWaitingReady indicates the orchestrator is waiting for the VM to run.
	DeploymentStatusWaitingReady DeploymentStatus = "waiting-ready"

	// DeploymentStatusInstallingAgent indicates the monitoring agent is being installed.
	DeploymentStatusInstallingAgent DeploymentStatus = "installing-agent"

	// DeploymentStatusStartingServices indicates the agent services are being started.
	DeploymentStatusStartingServices DeploymentStatus = "starting-services"

	// DeploymentStatusCompleted indicates the deployment finished successfully.
	DeploymentStatusCompleted DeploymentStatus = "completed"

	// DeploymentStatusFailed indicates the deployment aborted with an error.
	DeploymentStatusFailed DeploymentStatus = "failed"
)

// IsTerminal returns true if the status represents a final state.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusCompleted || s == DeploymentStatusFailed
}

// IsActive returns true if the deployment is still running.
func (s DeploymentStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case DeploymentStatusStarting, DeploymentStatusValidating, DeploymentStatusCreatingVM,
		DeploymentStatusWaitingReady, DeploymentStatusInstallingAgent,
		DeploymentStatusStartingServices, DeploymentStatusCompleted, DeploymentStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentStatus(str)
	return s.Validate()
}

// StepStatus is the status carried by a single StepEvent.
type StepStatus string

const (
	// StepStatusInProgress marks the entry of a step.
	StepStatusInProgress StepStatus = "in-progress"

	// StepStatusCompleted marks the successful exit of a step.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed marks a terminal failure.
	StepStatusFailed StepStatus = "failed"
)

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusInProgress, StepStatusCompleted, StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// Step identifies one of the five ordered provisioning phases.
type Step int

const (
	// StepUnindexed is used by the terminal failure event that is not tied to a step.
	StepUnindexed Step = -1

	StepValidate      Step = 0
	StepCreateVM      Step = 1
	StepWaitReady     Step = 2
	StepInstallAgent  Step = 3
	StepStartServices Step = 4
)

// StepCount is the number of indexed steps in the workflow.
const StepCount = 5

var stepNames = map[Step]string{
	StepUnindexed:     "failure",
	StepValidate:      "validate",
	StepCreateVM:      "create-vm",
	StepWaitReady:     "wait-ready",
	StepInstallAgent:  "install-agent",
	StepStartServices: "start-services",
}

// String returns the short name of the step, used in logs, metrics and spans.
func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step-%d", int(s))
}

// Status maps the step to the deployment status reported while it runs.
func (s Step) Status() DeploymentStatus {
	switch s {
	case StepValidate:
		return DeploymentStatusValidating
	case StepCreateVM:
		return DeploymentStatusCreatingVM
	case StepWaitReady:
		return DeploymentStatusWaitingReady
	case StepInstallAgent:
		return DeploymentStatusInstallingAgent
	case StepStartServices:
		return DeploymentStatusStartingServices
	default:
		return DeploymentStatusFailed
	}
}
