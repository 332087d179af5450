package provisioning

import (
	"context"
	"errors"
	"fmt"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/proto"

	"github.com/cloudvibe/agentd/pkg/engine"
)

// CloudPlatformScope is the OAuth scope granted to the instance service account.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// InstanceShape holds the fixed parts of every created instance.
type InstanceShape struct {
	MachineType    string
	SourceImage    string
	DiskSizeGB     int64
	ServiceAccount string
	Scopes         []string
	Tags           []string
}

// DefaultInstanceShape returns the e2-micro Ubuntu shape.
func DefaultInstanceShape() InstanceShape {
	return InstanceShape{
		MachineType:    "e2-micro",
		SourceImage:    "projects/ubuntu-os-cloud/global/images/family/ubuntu-2004-lts",
		DiskSizeGB:     10,
		ServiceAccount: "default",
		Scopes:         []string{CloudPlatformScope},
		Tags:           []string{"monitoring-agent", "cloudconsole-vibe"},
	}
}

// GCEConfig configures the Compute Engine backend.
type GCEConfig struct {
	// CredentialsFile is a service account key file; empty uses application default credentials.
	CredentialsFile string

	// Endpoint overrides the Compute Engine API endpoint.
	Endpoint string

	// Shape is the instance shape; a zero value uses DefaultInstanceShape.
	Shape InstanceShape
}

// computeAPI is the slice of the Compute Engine API the backend needs.
type computeAPI interface {
	InsertInstance(ctx context.Context, projectID, zone string, inst *computepb.Instance) error
	GetInstance(ctx context.Context, projectID, zone, name string) (*computepb.Instance, error)
	ListNetworks(ctx context.Context, projectID string) ([]*computepb.Network, error)
	Close() error
}

// restCompute implements computeAPI over the REST clients.
type restCompute struct {
	instances *compute.InstancesClient
	networks  *compute.NetworksClient
}

func newRESTCompute(ctx context.Context, opts ...option.ClientOption) (*restCompute, error) {
	instances, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create instances client: %w", err)
	}
	networks, err := compute.NewNetworksRESTClient(ctx, opts...)
	if err != nil {
		_ = instances.Close()
		return nil, fmt.Errorf("create networks client: %w", err)
	}
	return &restCompute{instances: instances, networks: networks}, nil
}

func (c *restCompute) InsertInstance(ctx context.Context, projectID, zone string, inst *computepb.Instance) error {
	op, err := c.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          projectID,
		Zone:             zone,
		InstanceResource: inst,
	})
	if err != nil {
		return err
	}
	return op.Wait(ctx)
}

func (c *restCompute) GetInstance(ctx context.Context, projectID, zone, name string) (*computepb.Instance, error) {
	return c.instances.Get(ctx, &computepb.GetInstanceRequest{
		Project:  projectID,
		Zone:     zone,
		Instance: name,
	})
}

func (c *restCompute) ListNetworks(ctx context.Context, projectID string) ([]*computepb.Network, error) {
	it := c.networks.List(ctx, &computepb.ListNetworksRequest{Project: projectID})
	var out []*computepb.Network
	for {
		n, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
}

func (c *restCompute) Close() error {
	return errors.Join(c.instances.Close(), c.networks.Close())
}

// GCEBackend talks to the Compute Engine control plane.
type GCEBackend struct {
	api    computeAPI
	shape  InstanceShape
	logger zerolog.Logger
}

// GCEOption configures a GCEBackend.
type GCEOption func(*GCEBackend)

// withComputeAPI replaces the REST clients.
func withComputeAPI(api computeAPI) GCEOption {
	return func(b *GCEBackend) {
		b.api = api
	}
}

// NewGCEBackend creates the Compute Engine backend. Client construction
// resolves credentials, so a missing or broken credential setup fails here.
func NewGCEBackend(ctx context.Context, cfg GCEConfig, logger zerolog.Logger, opts ...GCEOption) (*GCEBackend, error) {
	b := &GCEBackend{
		shape:  cfg.Shape,
		logger: logger.With().Str("component", "provisioning").Str("backend", BackendGCE).Logger(),
	}
	if b.shape.MachineType == "" {
		b.shape = DefaultInstanceShape()
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.api == nil {
		var clientOpts []option.ClientOption
		if cfg.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
		if cfg.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
		}
		api, err := newRESTCompute(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		b.api = api
	}

	return b, nil
}

// Name implements Backend.
func (b *GCEBackend) Name() string {
	return BackendGCE
}

// Close releases the API clients.
func (b *GCEBackend) Close() error {
	return b.api.Close()
}

// NetworkExists implements Backend.
func (b *GCEBackend) NetworkExists(ctx context.Context, projectID, network string) (bool, error) {
	networks, err := b.api.ListNetworks(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("list networks: %w", err)
	}
	for _, n := range networks {
		if n.GetName() == network {
			return true, nil
		}
	}
	return false, nil
}

// CreateInstance implements Backend.
func (b *GCEBackend) CreateInstance(ctx context.Context, spec engine.InstanceSpec) (*engine.Instance, error) {
	if err := b.api.InsertInstance(ctx, spec.ProjectID, spec.Zone, b.buildInstance(spec)); err != nil {
		return nil, fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}

	inst := &engine.Instance{
		Name:      spec.Name,
		ProjectID: spec.ProjectID,
		Zone:      spec.Zone,
		SelfLink:  SelfLink(spec.ProjectID, spec.Zone, spec.Name),
	}

	// The insert operation does not carry the self link; read it back.
	if got, err := b.api.GetInstance(ctx, spec.ProjectID, spec.Zone, spec.Name); err == nil && got.GetSelfLink() != "" {
		inst.SelfLink = got.GetSelfLink()
	} else if err != nil {
		b.logger.Debug().Err(err).Str("vm_instance", spec.Name).Msg("Could not read back instance self link")
	}

	return inst, nil
}

// InstanceStatus implements Backend.
func (b *GCEBackend) InstanceStatus(ctx context.Context, inst *engine.Instance) (string, error) {
	got, err := b.api.GetInstance(ctx, inst.ProjectID, inst.Zone, inst.Name)
	if err != nil {
		return "", fmt.Errorf("get instance %s: %w", inst.Name, err)
	}
	return got.GetStatus(), nil
}

// ExternalAddress implements Backend.
func (b *GCEBackend) ExternalAddress(ctx context.Context, inst *engine.Instance) (string, error) {
	got, err := b.api.GetInstance(ctx, inst.ProjectID, inst.Zone, inst.Name)
	if err != nil {
		return "", fmt.Errorf("get instance %s: %w", inst.Name, err)
	}
	if nics := got.GetNetworkInterfaces(); len(nics) > 0 {
		for _, ac := range nics[0].GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip, nil
			}
		}
	}
	return "", fmt.Errorf("instance %s has no external address", inst.Name)
}

// InternalAddress implements Backend.
func (b *GCEBackend) InternalAddress(ctx context.Context, inst *engine.Instance) (string, error) {
	got, err := b.api.GetInstance(ctx, inst.ProjectID, inst.Zone, inst.Name)
	if err != nil {
		return "", fmt.Errorf("get instance %s: %w", inst.Name, err)
	}
	nics := got.GetNetworkInterfaces()
	if len(nics) == 0 || nics[0].GetNetworkIP() == "" {
		return "", fmt.Errorf("instance %s has no internal address", inst.Name)
	}
	return nics[0].GetNetworkIP(), nil
}

// buildInstance renders the instance resource for an insert request.
func (b *GCEBackend) buildInstance(spec engine.InstanceSpec) *computepb.Instance {
	region := engine.RegionFromZone(spec.Zone)

	return &computepb.Instance{
		Name:        proto.String(spec.Name),
		MachineType: proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", spec.Zone, b.shape.MachineType)),
		Disks: []*computepb.AttachedDisk{{
			Boot:       proto.Bool(true),
			AutoDelete: proto.Bool(true),
			InitializeParams: &computepb.AttachedDiskInitializeParams{
				SourceImage: proto.String(b.shape.SourceImage),
				DiskSizeGb:  proto.Int64(b.shape.DiskSizeGB),
			},
		}},
		NetworkInterfaces: []*computepb.NetworkInterface{{
			Network:    proto.String(fmt.Sprintf("projects/%s/global/networks/%s", spec.ProjectID, spec.Network)),
			Subnetwork: proto.String(fmt.Sprintf("projects/%s/regions/%s/subnetworks/%s", spec.ProjectID, region, spec.Subnetwork)),
			AccessConfigs: []*computepb.AccessConfig{{
				Type: proto.String("ONE_TO_ONE_NAT"),
				Name: proto.String("External NAT"),
			}},
		}},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{Key: proto.String("startup-script"), Value: proto.String(spec.StartupScript)},
				{Key: proto.String("deployment-id"), Value: proto.String(spec.DeploymentID)},
				{Key: proto.String("agent-config"), Value: proto.String(spec.AgentConfig)},
			},
		},
		ServiceAccounts: []*computepb.ServiceAccount{{
			Email:  proto.String(b.shape.ServiceAccount),
			Scopes: b.shape.Scopes,
		}},
		Tags: &computepb.Tags{
			Items: b.shape.Tags,
		},
	}
}
