// Package driver abstracts the container backends that realize ships:
// Docker and Podman (attached or host-mapped networking) and Kubernetes.
package driver

import (
	"context"
	"fmt"
)

// Spec describes the ship container a driver must realize.
type Spec struct {
	ShipID string
	Image  string
	CPUs   float64
	// Memory uses Docker-style suffixes ("512m", "2g") for the container
	// drivers; Kubernetes requires binary suffixes ("512Mi", "2Gi").
	Memory string
	// Disk sizes the Kubernetes PVC; container drivers ignore it.
	Disk string
	TTL  int
	Env  map[string]string
}

// Info is what the service layer needs to reach a realized ship.
type Info struct {
	ContainerID string
	// Endpoint is "host:port" reachable from the Bay process.
	Endpoint string
}

// Driver is one container backend. Implementations are safe for concurrent
// use. Stop is idempotent: stopping a ship whose container is already gone
// succeeds.
type Driver interface {
	Name() string

	// Create realizes the ship's container (pulling the image if needed)
	// and starts it. It returns as soon as the backend reports the
	// container running; service readiness is probed separately.
	Create(ctx context.Context, spec Spec) (*Info, error)

	// Stop tears the container down, preserving the ship's persistent data.
	Stop(ctx context.Context, shipID string) error

	// IsRunning reports backend liveness for reconciliation sweeps.
	IsRunning(ctx context.Context, shipID string) (bool, error)

	// DataExists reports whether persistent data for the ship survives,
	// deciding restore-vs-fresh-create for stopped ships.
	DataExists(ctx context.Context, shipID string) (bool, error)

	// Logs returns up to tail lines of container output.
	Logs(ctx context.Context, shipID string, tail int) (string, error)

	Close() error
}

// Options carries backend configuration shared by the driver constructors.
type Options struct {
	Image         string
	Network       string
	ContainerPort int
	DataDir       string

	PodmanURI string

	KubeNamespace       string
	KubeConfigPath      string
	KubeImagePullPolicy string
	KubePVCSize         string
	KubeStorageClass    string
}

// containerName is the backend-visible name for a ship's container or pod.
func containerName(shipID string) string {
	return "ship-" + shipID
}

// shipEnv builds the environment common to every backend.
func shipEnv(spec Spec) map[string]string {
	env := map[string]string{
		"SHIP_ID": spec.ShipID,
		"TTL":     fmt.Sprintf("%d", spec.TTL),
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// shipLabels marks containers as Bay-managed so sweeps can find them.
func shipLabels(shipID string) map[string]string {
	return map[string]string{
		"ship_id":    shipID,
		"created_by": "bay",
	}
}
