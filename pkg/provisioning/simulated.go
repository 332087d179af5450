package provisioning

import (
	"context"
	"fmt"

	"github.com/cloudvibe/agentd/pkg/engine"
)

// Canned addresses reported for simulated instances.
const (
	SimulatedExternalAddress = "34.123.45.67"
	SimulatedInternalAddress = "10.128.0.2"
)

// SimulatedBackend is a deterministic stand-in for the real backend.
// Every call succeeds and every instance is immediately RUNNING.
type SimulatedBackend struct{}

// NewSimulatedBackend creates a simulation backend.
func NewSimulatedBackend() *SimulatedBackend {
	return &SimulatedBackend{}
}

// Name implements Backend.
func (s *SimulatedBackend) Name() string {
	return BackendSimulated
}

// NetworkExists implements Backend.
func (s *SimulatedBackend) NetworkExists(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

// CreateInstance implements Backend.
func (s *SimulatedBackend) CreateInstance(_ context.Context, spec engine.InstanceSpec) (*engine.Instance, error) {
	return &engine.Instance{
		Name:      spec.Name,
		ProjectID: spec.ProjectID,
		Zone:      spec.Zone,
		SelfLink:  SelfLink(spec.ProjectID, spec.Zone, spec.Name),
		Simulated: true,
	}, nil
}

// InstanceStatus implements Backend.
func (s *SimulatedBackend) InstanceStatus(_ context.Context, _ *engine.Instance) (string, error) {
	return engine.InstanceStatusRunning, nil
}

// ExternalAddress implements Backend.
func (s *SimulatedBackend) ExternalAddress(_ context.Context, _ *engine.Instance) (string, error) {
	return SimulatedExternalAddress, nil
}

// InternalAddress implements Backend.
func (s *SimulatedBackend) InternalAddress(_ context.Context, _ *engine.Instance) (string, error) {
	return SimulatedInternalAddress, nil
}

// SelfLink synthesizes the Compute Engine self link of an instance.
func SelfLink(projectID, zone, name string) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/zones/%s/instances/%s", projectID, zone, name)
}
