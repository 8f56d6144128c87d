package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

// dockerDriver realizes ships as Docker containers. In attached mode the
// container joins the configured network and is reached by its network IP;
// in host-mapped mode the ship port is published to an ephemeral port on
// 127.0.0.1.
type dockerDriver struct {
	cli        *client.Client
	opts       Options
	hostMapped bool
	log        *logrus.Entry
}

func newDockerDriver(opts Options, hostMapped bool, log *logrus.Entry) (*dockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &dockerDriver{
		cli:        cli,
		opts:       opts,
		hostMapped: hostMapped,
		log:        log.WithField("driver", "docker"),
	}, nil
}

func (d *dockerDriver) Name() string {
	if d.hostMapped {
		return "docker-host"
	}
	return "docker"
}

func (d *dockerDriver) Close() error {
	return d.cli.Close()
}

func (d *dockerDriver) shipPort() nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", d.opts.ContainerPort))
}

func (d *dockerDriver) Create(ctx context.Context, spec Spec) (*Info, error) {
	home, metadata, err := ensureShipDirs(d.opts.DataDir, spec.ShipID)
	if err != nil {
		return nil, err
	}
	memBytes, err := parseMemoryBytes(spec.Memory)
	if err != nil {
		return nil, err
	}
	quota, period := cpuQuota(spec.CPUs)

	env := []string{}
	for k, v := range shipEnv(spec) {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: shipLabels(spec.ShipID),
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memBytes,
			CPUQuota:  quota,
			CPUPeriod: period,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: home, Target: "/home"},
			{Type: mount.TypeBind, Source: metadata, Target: "/app/metadata"},
		},
	}
	netCfg := &network.NetworkingConfig{}
	if d.hostMapped {
		cfg.ExposedPorts = nat.PortSet{d.shipPort(): struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			d.shipPort(): {{HostIP: "127.0.0.1", HostPort: ""}},
		}
	} else if d.opts.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			d.opts.Network: {},
		}
	}

	name := containerName(spec.ShipID)
	// A crashed previous run may have left a container under this name.
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return nil, d.classify(err, "removing stale container %s", name)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if cerrdefs.IsNotFound(err) {
		if err := d.pullImage(ctx, spec.Image); err != nil {
			return nil, err
		}
		resp, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	}
	if err != nil {
		return nil, d.classify(err, "creating container %s", name)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, d.classify(err, "starting container %s", name)
	}

	endpoint, err := d.endpoint(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"ship_id": spec.ShipID, "endpoint": endpoint}).Debug("container started")
	return &Info{ContainerID: resp.ID, Endpoint: endpoint}, nil
}

func (d *dockerDriver) pullImage(ctx context.Context, img string) error {
	d.log.WithField("image", img).Info("pulling image")
	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return bayerr.Wrap(bayerr.ImagePullFailed, err, "pulling image %s", img)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return bayerr.Wrap(bayerr.ImagePullFailed, err, "pulling image %s", img)
	}
	return nil
}

func (d *dockerDriver) endpoint(ctx context.Context, containerID string) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", d.classify(err, "inspecting container %s", containerID)
	}
	if d.hostMapped {
		bindings := inspect.NetworkSettings.Ports[d.shipPort()]
		if len(bindings) == 0 {
			return "", bayerr.New(bayerr.BackendUnreachable,
				"container %s has no host binding for port %s", containerID, d.shipPort())
		}
		return "127.0.0.1:" + bindings[0].HostPort, nil
	}
	if ep := inspect.NetworkSettings.Networks[d.opts.Network]; ep != nil && ep.IPAddress != "" {
		return fmt.Sprintf("%s:%d", ep.IPAddress, d.opts.ContainerPort), nil
	}
	if inspect.NetworkSettings.IPAddress != "" {
		return fmt.Sprintf("%s:%d", inspect.NetworkSettings.IPAddress, d.opts.ContainerPort), nil
	}
	return "", bayerr.New(bayerr.BackendUnreachable, "container %s has no IP address", containerID)
}

func (d *dockerDriver) Stop(ctx context.Context, shipID string) error {
	name := containerName(shipID)
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil && !cerrdefs.IsNotFound(err) {
		return d.classify(err, "stopping container %s", name)
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return d.classify(err, "removing container %s", name)
	}
	return nil
}

func (d *dockerDriver) IsRunning(ctx context.Context, shipID string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerName(shipID))
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, d.classify(err, "inspecting container %s", containerName(shipID))
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *dockerDriver) DataExists(ctx context.Context, shipID string) (bool, error) {
	return hostDataExists(d.opts.DataDir, shipID), nil
}

func (d *dockerDriver) Logs(ctx context.Context, shipID string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, containerName(shipID), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", d.classify(err, "fetching logs for %s", containerName(shipID))
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", errors.Wrapf(err, "demultiplexing logs for %s", containerName(shipID))
	}
	return buf.String(), nil
}

// classify maps docker client errors onto the shared taxonomy.
func (d *dockerDriver) classify(err error, format string, args ...any) error {
	if cerrdefs.IsNotFound(err) {
		return bayerr.Wrap(bayerr.NotFound, err, format, args...)
	}
	return bayerr.Wrap(bayerr.BackendUnreachable, err, format, args...)
}
