package engine

import (
	"fmt"
	"strings"
)

// DefaultZone is used when no subnet marker matches.
const DefaultZone = "us-central1-a"

// zoneMarkers is checked in order; the first substring contained in the
// subnetwork name selects the zone.
var zoneMarkers = []struct {
	marker string
	zone   string
}{
	{"us-central1", "us-central1-a"},
	{"us-east1", "us-east1-a"},
	{"us-west1", "us-west1-a"},
	{"europe-west1", "europe-west1-b"},
}

// DeriveZone maps a subnetwork name to a zone.
func DeriveZone(subnetwork string) string {
	for _, m := range zoneMarkers {
		if strings.Contains(subnetwork, m.marker) {
			return m.zone
		}
	}
	return DefaultZone
}

// RegionFromZone strips the trailing zone letter, e.g. us-central1-a -> us-central1.
func RegionFromZone(zone string) string {
	if i := strings.LastIndex(zone, "-"); i > 0 {
		return zone[:i]
	}
	return zone
}

// InstanceName derives the VM name from the agent name and the second
// dash-separated group of the deployment identifier.
func InstanceName(agentName, deploymentID string) string {
	parts := strings.Split(deploymentID, "-")
	suffix := parts[0]
	if len(parts) > 1 {
		suffix = parts[1]
	}
	return fmt.Sprintf("%s-%s", agentName, suffix)
}

// ResultAgentID is the agent identifier reported in the deployment result.
func ResultAgentID(instanceName string) string {
	return "agent-" + instanceName
}

// ScriptAgentID is the agent identifier embedded in the startup script.
func ScriptAgentID(deploymentID string) string {
	return "agent-" + deploymentID
}
