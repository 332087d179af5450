package provisioning

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/compute/apiv1/computepb"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/cloudvibe/agentd/pkg/engine"
)

type fakeCompute struct {
	inserted  *computepb.Instance
	insertErr error
	instance  *computepb.Instance
	getErr    error
	networks  []*computepb.Network
	listErr   error
	closed    bool
}

func (f *fakeCompute) InsertInstance(_ context.Context, _, _ string, inst *computepb.Instance) error {
	f.inserted = inst
	return f.insertErr
}

func (f *fakeCompute) GetInstance(_ context.Context, _, _, _ string) (*computepb.Instance, error) {
	return f.instance, f.getErr
}

func (f *fakeCompute) ListNetworks(_ context.Context, _ string) ([]*computepb.Network, error) {
	return f.networks, f.listErr
}

func (f *fakeCompute) Close() error {
	f.closed = true
	return nil
}

func newTestGCE(t *testing.T, api *fakeCompute) *GCEBackend {
	t.Helper()
	b, err := NewGCEBackend(context.Background(), GCEConfig{}, zerolog.Nop(), withComputeAPI(api))
	require.NoError(t, err)
	return b
}

func runningInstance() *computepb.Instance {
	return &computepb.Instance{
		Status:   proto.String("RUNNING"),
		SelfLink: proto.String("https://compute/instances/edge-4f2a"),
		NetworkInterfaces: []*computepb.NetworkInterface{{
			NetworkIP: proto.String("10.128.0.7"),
			AccessConfigs: []*computepb.AccessConfig{{
				NatIP: proto.String("34.1.2.3"),
			}},
		}},
	}
}

func TestGCEBuildInstance(t *testing.T) {
	api := &fakeCompute{instance: runningInstance()}
	b := newTestGCE(t, api)

	spec := testSpec()
	spec.StartupScript = "#!/bin/bash"
	spec.DeploymentID = "d0c1-4f2a"
	spec.AgentConfig = `{"agentName":"edge"}`

	inst, err := b.CreateInstance(context.Background(), spec)
	require.NoError(t, err)
	assert.False(t, inst.Simulated)
	assert.Equal(t, "https://compute/instances/edge-4f2a", inst.SelfLink)

	got := api.inserted
	require.NotNil(t, got)
	assert.Equal(t, "edge-4f2a", got.GetName())
	assert.Equal(t, "zones/us-central1-a/machineTypes/e2-micro", got.GetMachineType())

	require.Len(t, got.GetDisks(), 1)
	disk := got.GetDisks()[0]
	assert.True(t, disk.GetBoot())
	assert.True(t, disk.GetAutoDelete())
	assert.Equal(t, int64(10), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(t, "projects/ubuntu-os-cloud/global/images/family/ubuntu-2004-lts", disk.GetInitializeParams().GetSourceImage())

	require.Len(t, got.GetNetworkInterfaces(), 1)
	nic := got.GetNetworkInterfaces()[0]
	assert.Equal(t, "projects/demo/global/networks/default", nic.GetNetwork())
	assert.Equal(t, "projects/demo/regions/us-central1/subnetworks/default-us-central1", nic.GetSubnetwork())
	assert.Equal(t, "ONE_TO_ONE_NAT", nic.GetAccessConfigs()[0].GetType())

	meta := map[string]string{}
	for _, item := range got.GetMetadata().GetItems() {
		meta[item.GetKey()] = item.GetValue()
	}
	assert.Equal(t, map[string]string{
		"startup-script": "#!/bin/bash",
		"deployment-id":  "d0c1-4f2a",
		"agent-config":   `{"agentName":"edge"}`,
	}, meta)

	assert.Equal(t, []string{CloudPlatformScope}, got.GetServiceAccounts()[0].GetScopes())
	assert.Equal(t, []string{"monitoring-agent", "cloudconsole-vibe"}, got.GetTags().GetItems())
}

func TestGCECreateInstanceError(t *testing.T) {
	b := newTestGCE(t, &fakeCompute{insertErr: errors.New("quota")})

	_, err := b.CreateInstance(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestGCECreateInstanceKeepsSynthesizedSelfLink(t *testing.T) {
	b := newTestGCE(t, &fakeCompute{getErr: errors.New("not yet visible")})

	inst, err := b.CreateInstance(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, SelfLink("demo", "us-central1-a", "edge-4f2a"), inst.SelfLink)
}

func TestGCELookups(t *testing.T) {
	ctx := context.Background()
	b := newTestGCE(t, &fakeCompute{
		instance: runningInstance(),
		networks: []*computepb.Network{{Name: proto.String("default")}},
	})
	inst := &engine.Instance{Name: "edge-4f2a", ProjectID: "demo", Zone: "us-central1-a"}

	status, err := b.InstanceStatus(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", status)

	ext, err := b.ExternalAddress(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, "34.1.2.3", ext)

	internal, err := b.InternalAddress(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, "10.128.0.7", internal)

	ok, err := b.NetworkExists(ctx, "demo", "default")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.NetworkExists(ctx, "demo", "prod")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCEMissingAddresses(t *testing.T) {
	ctx := context.Background()
	b := newTestGCE(t, &fakeCompute{instance: &computepb.Instance{Status: proto.String("RUNNING")}})
	inst := &engine.Instance{Name: "edge-4f2a", ProjectID: "demo", Zone: "us-central1-a"}

	_, err := b.ExternalAddress(ctx, inst)
	assert.Error(t, err)
	_, err = b.InternalAddress(ctx, inst)
	assert.Error(t, err)
}

func TestAdapterClosesBackend(t *testing.T) {
	api := &fakeCompute{}
	a := NewAdapter(newTestGCE(t, api), zerolog.Nop())

	require.NoError(t, a.Close())
	assert.True(t, api.closed)
	assert.NoError(t, NewAdapter(NewSimulatedBackend(), zerolog.Nop()).Close())
}
