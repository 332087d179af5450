package engine

import (
	"slices"
	"time"
)

// DefaultCollectionInterval is the metric collection interval, in seconds,
// used by the agent when the configuration leaves it unset.
const DefaultCollectionInterval = 30

// DeploymentConfig is the immutable input of a deployment.
type DeploymentConfig struct {
	// AgentName is the base name of the VM instance and the agent. Like the
	// network names it must be a valid Compute Engine resource name.
	AgentName string `json:"agentName" yaml:"agentName" validate:"required,max=50,gcename"`

	// Network is the VPC network the instance is attached to.
	Network string `json:"network" yaml:"network" validate:"required,gcename"`

	// Subnetwork is the subnetwork the instance is attached to.
	// The zone is derived from it when Zone is empty.
	Subnetwork string `json:"subnetwork" yaml:"subnetwork" validate:"required,gcename"`

	// ProjectID is the cloud project the instance is created in.
	ProjectID string `json:"projectId" yaml:"projectId" validate:"required"`

	// Zone overrides the subnet-derived zone.
	Zone string `json:"zone,omitempty" yaml:"zone,omitempty" validate:"omitempty,gcename"`

	// CollectionInterval is the agent's metric collection interval in seconds.
	CollectionInterval int `json:"collectionInterval,omitempty" yaml:"collectionInterval,omitempty" validate:"gte=0"`

	// DefaultTargets are the built-in monitoring targets.
	DefaultTargets []string `json:"defaultTargets,omitempty" yaml:"defaultTargets,omitempty"`

	// CustomTargets are user supplied monitoring targets.
	CustomTargets []string `json:"customTargets,omitempty" yaml:"customTargets,omitempty"`

	// CallbackURL is the backend base URL the agent and the completion callback talk to.
	CallbackURL string `json:"callbackUrl,omitempty" yaml:"callbackUrl,omitempty" validate:"omitempty,http_url"`
}

// Targets returns the default targets followed by the custom targets.
func (c DeploymentConfig) Targets() []string {
	targets := make([]string, 0, len(c.DefaultTargets)+len(c.CustomTargets))
	targets = append(targets, c.DefaultTargets...)
	targets = append(targets, c.CustomTargets...)
	return targets
}

// Interval returns the collection interval, falling back to DefaultCollectionInterval.
func (c DeploymentConfig) Interval() int {
	if c.CollectionInterval <= 0 {
		return DefaultCollectionInterval
	}
	return c.CollectionInterval
}

// EffectiveZone returns the configured zone or the one derived from the subnetwork.
func (c DeploymentConfig) EffectiveZone() string {
	if c.Zone != "" {
		return c.Zone
	}
	return DeriveZone(c.Subnetwork)
}

// StepEvent is an immutable progress record emitted by the orchestrator.
type StepEvent struct {
	// Step is the step index (0-4), or -1 for the terminal failure event.
	Step Step `json:"step"`

	// Message is the human-readable progress message.
	Message string `json:"message"`

	// Percentage is the overall completion percentage.
	Percentage int `json:"percentage"`

	// Status is the status of the step.
	Status StepStatus `json:"status"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Error is the failure message, set on failed events only.
	Error string `json:"error,omitempty"`
}

// DeploymentResult is the outcome of a successful deployment.
type DeploymentResult struct {
	DeploymentID    string `json:"deploymentId"`
	VMInstanceName  string `json:"vmInstanceName"`
	AgentID         string `json:"agentId"`
	ExternalAddress string `json:"externalIp"`
	InternalAddress string `json:"internalIp"`
	Zone            string `json:"zone"`
	SelfLink        string `json:"selfLink,omitempty"`
	Simulated       bool   `json:"simulated"`
}

// Deployment is the tracked state of one orchestration run.
type Deployment struct {
	ID          string            `json:"id"`
	Status      DeploymentStatus  `json:"status"`
	Config      DeploymentConfig  `json:"config"`
	Steps       []StepEvent       `json:"steps"`
	CurrentStep Step              `json:"currentStep"`
	Result      *DeploymentResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime,omitempty"`

	// Fields reported out-of-band by the provisioned instance.
	VMStatus      string     `json:"vmStatus,omitempty"`
	VMMessage     string     `json:"vmMessage,omitempty"`
	VMCompletedAt *time.Time `json:"vmCompletedAt,omitempty"`
}

// Clone returns a deep copy safe to hand out of the owning lock.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	out := *d
	out.Steps = slices.Clone(d.Steps)
	out.Config.DefaultTargets = slices.Clone(d.Config.DefaultTargets)
	out.Config.CustomTargets = slices.Clone(d.Config.CustomTargets)
	if d.Result != nil {
		r := *d.Result
		out.Result = &r
	}
	if d.EndTime != nil {
		t := *d.EndTime
		out.EndTime = &t
	}
	if d.VMCompletedAt != nil {
		t := *d.VMCompletedAt
		out.VMCompletedAt = &t
	}
	return &out
}

// Duration returns the elapsed run time, up to now for active deployments.
func (d *Deployment) Duration() time.Duration {
	if d.EndTime != nil {
		return d.EndTime.Sub(d.StartTime)
	}
	return time.Since(d.StartTime)
}
