package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/shipyard-project/bay/cmd/bay/internal/config"
	"github.com/shipyard-project/bay/cmd/bay/internal/driver"
	"github.com/shipyard-project/bay/cmd/bay/internal/logging"
	"github.com/shipyard-project/bay/cmd/bay/internal/server"
	"github.com/shipyard-project/bay/cmd/bay/internal/session"
	"github.com/shipyard-project/bay/cmd/bay/internal/ship"
	"github.com/shipyard-project/bay/cmd/bay/internal/shipclient"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
	"github.com/shipyard-project/bay/cmd/bay/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

func serveCommand() *cobra.Command {
	var configPath string
	var exportMetrics bool
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bay control plane",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			merged, err := mergeFileConfig(cmd.Flags(), configPath, cfg)
			if err != nil {
				return err
			}
			cfg = merged
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg, exportMetrics)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "Address to listen on")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	cmd.Flags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.ContainerDriver, "driver", cfg.ContainerDriver, "Container driver: docker, docker-host, podman, podman-host, kubernetes")
	cmd.Flags().IntVar(&cfg.MaxShipNum, "max-ships", cfg.MaxShipNum, "Maximum number of concurrently active ships")
	cmd.Flags().StringVar(&cfg.DatabasePath, "database", cfg.DatabasePath, "Path to the SQLite database")
	cmd.Flags().StringVar(&cfg.DockerImage, "image", cfg.DockerImage, "Ship container image")
	cmd.Flags().BoolVar(&exportMetrics, "export-metrics", false, "Periodically dump metrics to stdout")

	return cmd
}

// mergeFileConfig layers an optional YAML file under the flag values: flags
// set explicitly on the command line win over the file.
func mergeFileConfig(flags *pflag.FlagSet, path string, flagCfg config.Config) (config.Config, error) {
	if path == "" {
		return flagCfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("host") {
		cfg.Host = flagCfg.Host
	}
	if flags.Changed("port") {
		cfg.Port = flagCfg.Port
	}
	if flags.Changed("debug") {
		cfg.Debug = flagCfg.Debug
	}
	if flags.Changed("driver") {
		cfg.ContainerDriver = flagCfg.ContainerDriver
	}
	if flags.Changed("max-ships") {
		cfg.MaxShipNum = flagCfg.MaxShipNum
	}
	if flags.Changed("database") {
		cfg.DatabasePath = flagCfg.DatabasePath
	}
	if flags.Changed("image") {
		cfg.DockerImage = flagCfg.DockerImage
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg config.Config, exportMetrics bool) error {
	log := logging.New(cfg.Debug)
	log.WithField("driver", cfg.ContainerDriver).Info("starting bay")

	metrics, flushMetrics, err := telemetry.Init(exportMetrics)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	drv, err := driver.New(cfg.ContainerDriver, driver.Options{
		Image:               cfg.DockerImage,
		Network:             cfg.DockerNetwork,
		ContainerPort:       cfg.ShipContainerPort,
		DataDir:             cfg.ExpandedShipDataDir(),
		KubeNamespace:       cfg.KubeNamespace,
		KubeConfigPath:      cfg.KubeConfigPath,
		KubeImagePullPolicy: cfg.KubeImagePullPolicy,
		KubePVCSize:         cfg.KubePVCSize,
		KubeStorageClass:    cfg.KubeStorageClass,
	}, log)
	if err != nil {
		return err
	}
	defer drv.Close()

	client := shipclient.New(shipclient.Config{
		Token:         cfg.AccessToken,
		ProbeInterval: cfg.HealthCheckInterval,
		ProbeTimeout:  cfg.HealthCheckTimeout,
		ExecTimeout:   cfg.ExecTimeout,
	}, log)

	ships := ship.NewService(st, drv, client, cfg, metrics, log)
	sessions := session.NewService(st, log)
	srv := server.New(ships, sessions, cfg, log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// settle rows left over from a previous run before accepting traffic
	if err := ships.ReapOnce(ctx); err != nil {
		log.WithError(err).Warn("startup reconciliation failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return ships.RunReaper(gctx) })
	g.Go(func() error { return ships.RunWarmPool(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		if err := flushMetrics(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics flush")
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("bay stopped")
	return err
}
