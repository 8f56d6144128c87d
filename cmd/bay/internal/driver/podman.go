package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/errorhandling"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

// podmanDriver realizes ships through the Podman REST socket. The bindings
// carry the connection inside a context, so conn is threaded into every call.
type podmanDriver struct {
	conn       context.Context
	opts       Options
	hostMapped bool
	log        *logrus.Entry
}

func newPodmanDriver(opts Options, hostMapped bool, log *logrus.Entry) (*podmanDriver, error) {
	uri := opts.PodmanURI
	if uri == "" {
		uri = "unix:///run/podman/podman.sock"
	}
	conn, err := bindings.NewConnection(context.Background(), uri)
	if err != nil {
		return nil, bayerr.Wrap(bayerr.BackendUnreachable, err, "connecting to podman at %s", uri)
	}
	return &podmanDriver{
		conn:       conn,
		opts:       opts,
		hostMapped: hostMapped,
		log:        log.WithField("driver", "podman"),
	}, nil
}

func (d *podmanDriver) Name() string {
	if d.hostMapped {
		return "podman-host"
	}
	return "podman"
}

func (d *podmanDriver) Close() error {
	return nil
}

func (d *podmanDriver) Create(ctx context.Context, spec Spec) (*Info, error) {
	home, metadata, err := ensureShipDirs(d.opts.DataDir, spec.ShipID)
	if err != nil {
		return nil, err
	}
	memBytes, err := parseMemoryBytes(spec.Memory)
	if err != nil {
		return nil, err
	}
	quota, period := cpuQuota(spec.CPUs)
	uperiod := uint64(period)

	name := containerName(spec.ShipID)
	force := true
	if _, err := containers.Remove(d.conn, name, &containers.RemoveOptions{Force: &force}); err != nil && !podmanNotFound(err) {
		return nil, d.classify(err, "removing stale container %s", name)
	}

	if err := d.ensureImage(spec.Image); err != nil {
		return nil, err
	}

	s := specgen.NewSpecGenerator(spec.Image, false)
	s.Name = name
	s.Env = shipEnv(spec)
	s.Labels = shipLabels(spec.ShipID)
	s.Mounts = []specs.Mount{
		{Type: "bind", Source: home, Destination: "/home", Options: []string{"rw"}},
		{Type: "bind", Source: metadata, Destination: "/app/metadata", Options: []string{"rw"}},
	}
	s.ResourceLimits = &specs.LinuxResources{
		CPU:    &specs.LinuxCPU{Quota: &quota, Period: &uperiod},
		Memory: &specs.LinuxMemory{Limit: &memBytes},
	}
	if d.hostMapped {
		s.PortMappings = []nettypes.PortMapping{{
			HostIP:        "127.0.0.1",
			ContainerPort: uint16(d.opts.ContainerPort),
		}}
	} else if d.opts.Network != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			d.opts.Network: {},
		}
	}

	created, err := containers.CreateWithSpec(d.conn, s, nil)
	if err != nil {
		return nil, d.classify(err, "creating container %s", name)
	}
	if err := containers.Start(d.conn, created.ID, nil); err != nil {
		_, _ = containers.Remove(d.conn, created.ID, &containers.RemoveOptions{Force: &force})
		return nil, d.classify(err, "starting container %s", name)
	}

	endpoint, err := d.endpoint(created.ID)
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"ship_id": spec.ShipID, "endpoint": endpoint}).Debug("container started")
	return &Info{ContainerID: created.ID, Endpoint: endpoint}, nil
}

func (d *podmanDriver) ensureImage(img string) error {
	exists, err := images.Exists(d.conn, img, nil)
	if err != nil {
		return d.classify(err, "checking image %s", img)
	}
	if exists {
		return nil
	}
	d.log.WithField("image", img).Info("pulling image")
	if _, err := images.Pull(d.conn, img, nil); err != nil {
		return bayerr.Wrap(bayerr.ImagePullFailed, err, "pulling image %s", img)
	}
	return nil
}

func (d *podmanDriver) endpoint(containerID string) (string, error) {
	inspect, err := containers.Inspect(d.conn, containerID, nil)
	if err != nil {
		return "", d.classify(err, "inspecting container %s", containerID)
	}
	if d.hostMapped {
		key := fmt.Sprintf("%d/tcp", d.opts.ContainerPort)
		if ports := inspect.NetworkSettings.Ports[key]; len(ports) > 0 && ports[0].HostPort != "" {
			return "127.0.0.1:" + ports[0].HostPort, nil
		}
		return "", bayerr.New(bayerr.BackendUnreachable,
			"container %s has no host binding for port %s", containerID, key)
	}
	if nw := inspect.NetworkSettings.Networks[d.opts.Network]; nw != nil && nw.IPAddress != "" {
		return fmt.Sprintf("%s:%d", nw.IPAddress, d.opts.ContainerPort), nil
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, d.opts.ContainerPort), nil
	}
	return "", bayerr.New(bayerr.BackendUnreachable, "container %s has no IP address", containerID)
}

func (d *podmanDriver) Stop(ctx context.Context, shipID string) error {
	name := containerName(shipID)
	ignore := true
	if err := containers.Stop(d.conn, name, &containers.StopOptions{Ignore: &ignore}); err != nil && !podmanNotFound(err) {
		return d.classify(err, "stopping container %s", name)
	}
	force := true
	if _, err := containers.Remove(d.conn, name, &containers.RemoveOptions{Force: &force, Ignore: &ignore}); err != nil && !podmanNotFound(err) {
		return d.classify(err, "removing container %s", name)
	}
	return nil
}

func (d *podmanDriver) IsRunning(ctx context.Context, shipID string) (bool, error) {
	inspect, err := containers.Inspect(d.conn, containerName(shipID), nil)
	if podmanNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, d.classify(err, "inspecting container %s", containerName(shipID))
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *podmanDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	return hostDataExists(d.opts.DataDir, shipID), nil
}

func (d *podmanDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	stdout := make(chan string, 128)
	stderr := make(chan string, 128)
	var lines []string
	done := make(chan struct{})
	go func(out, errCh <-chan string) {
		defer close(done)
		for out != nil || errCh != nil {
			select {
			case line, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				lines = append(lines, line)
			case line, ok := <-errCh:
				if !ok {
					errCh = nil
					continue
				}
				lines = append(lines, line)
			}
		}
	}(stdout, stderr)

	yes := true
	tailStr := strconv.Itoa(tail)
	err := containers.Logs(d.conn, containerName(shipID),
		&containers.LogOptions{Stdout: &yes, Stderr: &yes, Tail: &tailStr},
		stdout, stderr)
	close(stdout)
	close(stderr)
	<-done
	if err != nil {
		return "", d.classify(err, "fetching logs for %s", containerName(shipID))
	}
	return strings.Join(lines, "\n"), nil
}

func podmanNotFound(err error) bool {
	var em *errorhandling.ErrorModel
	if errors.As(err, &em) {
		return em.Code() == http.StatusNotFound
	}
	return false
}

// classify maps podman binding errors onto the shared taxonomy.
func (d *podmanDriver) classify(err error, format string, args ...any) error {
	if podmanNotFound(err) {
		return bayerr.Wrap(bayerr.NotFound, err, format, args...)
	}
	return bayerr.Wrap(bayerr.BackendUnreachable, pkgerrors.WithStack(err), format, args...)
}
