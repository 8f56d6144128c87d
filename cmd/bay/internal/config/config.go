package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the Bay service. Values come from (in order
// of precedence) command-line flags, environment variables, an optional YAML
// file, and the defaults below.
type Config struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`

	// Ship fleet management
	MaxShipNum           int           `yaml:"max_ship_num"`
	BehaviorAfterMaxShip string        `yaml:"behavior_after_max_ship"` // "reject" or "wait"
	MaxSlotWait          time.Duration `yaml:"max_slot_wait"`

	// Authentication
	AccessToken string `yaml:"access_token"`

	// Persistent store
	DatabasePath string `yaml:"database_path"`

	// Container driver selection: docker, docker-host, podman, podman-host, kubernetes
	ContainerDriver string `yaml:"container_driver"`

	// Docker/Podman settings
	DockerImage       string `yaml:"docker_image"`
	DockerNetwork     string `yaml:"docker_network"`
	ShipContainerPort int    `yaml:"ship_container_port"`
	ShipDataDir       string `yaml:"ship_data_dir"`

	// Kubernetes settings
	KubeNamespace       string `yaml:"kube_namespace"`
	KubeConfigPath      string `yaml:"kube_config_path"`
	KubeImagePullPolicy string `yaml:"kube_image_pull_policy"`
	KubePVCSize         string `yaml:"kube_pvc_size"`
	KubeStorageClass    string `yaml:"kube_storage_class"`

	// Ship defaults
	DefaultShipTTL    int     `yaml:"default_ship_ttl"`
	DefaultShipCPUs   float64 `yaml:"default_ship_cpus"`
	DefaultShipMemory string  `yaml:"default_ship_memory"`

	// Health check / readiness probe
	HealthCheckTimeout  time.Duration `yaml:"ship_health_check_timeout"`
	HealthCheckInterval time.Duration `yaml:"ship_health_check_interval"`

	// Exec forwarding
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
	MaxUploadSize int64         `yaml:"max_upload_size"`

	// Warm pool
	WarmPoolEnabled           bool          `yaml:"warm_pool_enabled"`
	WarmPoolMinSize           int           `yaml:"warm_pool_min_size"`
	WarmPoolMaxSize           int           `yaml:"warm_pool_max_size"`
	WarmPoolReplenishInterval time.Duration `yaml:"warm_pool_replenish_interval"`
	WarmPoolTTL               int           `yaml:"warm_pool_ttl"`

	// Reaper
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	// Grace period after which Stopped ships are permanently deleted.
	// Zero means never.
	StaleShipGracePeriod time.Duration `yaml:"stale_ship_grace_period"`
}

// MaxExecTimeout is the ceiling for ExecTimeout regardless of configuration.
const MaxExecTimeout = 10 * time.Minute

// Default returns a Config populated with defaults, overridden by any
// recognized environment variables.
func Default() Config {
	cfg := Config{
		Host:                      "0.0.0.0",
		Port:                      8156,
		MaxShipNum:                10,
		BehaviorAfterMaxShip:      "reject",
		MaxSlotWait:               5 * time.Minute,
		AccessToken:               "secret-token",
		DatabasePath:              "bay.db",
		ContainerDriver:           "docker",
		DockerImage:               "ship:latest",
		DockerNetwork:             "shipyard",
		ShipContainerPort:         8123,
		ShipDataDir:               "~/ship_data",
		KubeNamespace:             "default",
		KubeImagePullPolicy:       "IfNotPresent",
		KubePVCSize:               "1Gi",
		DefaultShipTTL:            3600,
		DefaultShipCPUs:           1.0,
		DefaultShipMemory:         "512m",
		HealthCheckTimeout:        60 * time.Second,
		HealthCheckInterval:       2 * time.Second,
		ExecTimeout:               30 * time.Second,
		MaxUploadSize:             100 * 1024 * 1024,
		WarmPoolEnabled:           true,
		WarmPoolMinSize:           2,
		WarmPoolMaxSize:           10,
		WarmPoolReplenishInterval: 30 * time.Second,
		WarmPoolTTL:               24 * 3600,
		ReaperInterval:            10 * time.Second,
	}
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML config file and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	cfg = Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Host, "HOST")
	envInt(&c.Port, "PORT")
	envBool(&c.Debug, "DEBUG")
	envInt(&c.MaxShipNum, "MAX_SHIP_NUM")
	envString(&c.BehaviorAfterMaxShip, "BEHAVIOR_AFTER_MAX_SHIP")
	envString(&c.AccessToken, "ACCESS_TOKEN")
	envString(&c.DatabasePath, "DATABASE_PATH")
	envString(&c.ContainerDriver, "CONTAINER_DRIVER")
	envString(&c.DockerImage, "DOCKER_IMAGE")
	envString(&c.DockerNetwork, "DOCKER_NETWORK")
	envInt(&c.ShipContainerPort, "SHIP_CONTAINER_PORT")
	envString(&c.ShipDataDir, "SHIP_DATA_DIR")
	envString(&c.KubeNamespace, "KUBE_NAMESPACE")
	envString(&c.KubeConfigPath, "KUBE_CONFIG_PATH")
	envString(&c.KubeImagePullPolicy, "KUBE_IMAGE_PULL_POLICY")
	envString(&c.KubePVCSize, "KUBE_PVC_SIZE")
	envString(&c.KubeStorageClass, "KUBE_STORAGE_CLASS")
	envInt(&c.DefaultShipTTL, "DEFAULT_SHIP_TTL")
	envFloat(&c.DefaultShipCPUs, "DEFAULT_SHIP_CPUS")
	envString(&c.DefaultShipMemory, "DEFAULT_SHIP_MEMORY")
	envSeconds(&c.HealthCheckTimeout, "SHIP_HEALTH_CHECK_TIMEOUT")
	envSeconds(&c.HealthCheckInterval, "SHIP_HEALTH_CHECK_INTERVAL")
	envSeconds(&c.ExecTimeout, "EXEC_TIMEOUT")
	envInt64(&c.MaxUploadSize, "MAX_UPLOAD_SIZE")
	envBool(&c.WarmPoolEnabled, "WARM_POOL_ENABLED")
	envInt(&c.WarmPoolMinSize, "WARM_POOL_MIN_SIZE")
	envInt(&c.WarmPoolMaxSize, "WARM_POOL_MAX_SIZE")
	envSeconds(&c.WarmPoolReplenishInterval, "WARM_POOL_REPLENISH_INTERVAL")
	envInt(&c.WarmPoolTTL, "WARM_POOL_TTL")
	envSeconds(&c.ReaperInterval, "REAPER_INTERVAL")
	envSeconds(&c.StaleShipGracePeriod, "STALE_SHIP_GRACE_PERIOD")
}

// Validate checks cross-field constraints before the service starts.
func (c *Config) Validate() error {
	switch c.BehaviorAfterMaxShip {
	case "reject", "wait":
	default:
		return fmt.Errorf("behavior_after_max_ship must be \"reject\" or \"wait\", got %q", c.BehaviorAfterMaxShip)
	}
	switch c.ContainerDriver {
	case "docker", "docker-host", "podman", "podman-host", "kubernetes":
	default:
		return fmt.Errorf("unknown container driver %q", c.ContainerDriver)
	}
	if c.MaxShipNum <= 0 {
		return fmt.Errorf("max_ship_num must be positive, got %d", c.MaxShipNum)
	}
	if c.WarmPoolMinSize > c.WarmPoolMaxSize {
		return fmt.Errorf("warm_pool_min_size (%d) exceeds warm_pool_max_size (%d)", c.WarmPoolMinSize, c.WarmPoolMaxSize)
	}
	if c.ExecTimeout > MaxExecTimeout {
		return fmt.Errorf("exec_timeout %s exceeds ceiling %s", c.ExecTimeout, MaxExecTimeout)
	}
	return nil
}

// ExpandedShipDataDir resolves a leading "~" in ShipDataDir.
func (c *Config) ExpandedShipDataDir() string {
	dir := c.ShipDataDir
	if len(dir) > 0 && dir[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	return dir
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envSeconds reads an integer number of seconds, matching how the original
// deployment scripts express durations.
func envSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		} else if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
