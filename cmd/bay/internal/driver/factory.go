package driver

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New builds the backend named by the container_driver setting.
func New(name string, opts Options, log *logrus.Entry) (Driver, error) {
	switch name {
	case "docker":
		return newDockerDriver(opts, false, log)
	case "docker-host":
		return newDockerDriver(opts, true, log)
	case "podman":
		return newPodmanDriver(opts, false, log)
	case "podman-host":
		return newPodmanDriver(opts, true, log)
	case "kubernetes":
		return newKubeDriver(opts, log)
	default:
		return nil, fmt.Errorf("unknown container driver %q", name)
	}
}
