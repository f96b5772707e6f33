// Command odcd runs the topology control core daemon: it connects to the
// MQTT broker, builds the device table from the deployment service's task
// list, and serves the read-only status API. Flag/config wiring follows
// the teacher's cmd/proplet/main.go; the single "serve" subcommand is a
// cobra.Command the way the teacher's cli package builds its federated
// learning subcommands, kept to one command since odcd has no other
// operator-facing actions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	topoctl "github.com/devicemesh/topoctl"
	"github.com/devicemesh/topoctl/deployment"
	pkgmqtt "github.com/devicemesh/topoctl/pkg/mqtt"
	"github.com/devicemesh/topoctl/statusapi"
	"github.com/devicemesh/topoctl/topology"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const mqttConnectTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "odcd",
		Short: "Topology control core daemon",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the broker and drive the device topology",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVar(&configPath, "config", "odcd.toml", "path to the TOML configuration file")
	root.AddCommand(serve)

	return root
}

func runServe(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := topoctl.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	pubsub, err := pkgmqtt.NewPubSub(
		cfg.Broker.URL, 1, cfg.Broker.ClientID, cfg.Broker.Username, cfg.Broker.Password,
		cfg.Deployment.DomainID, cfg.Deployment.ChannelID, mqttConnectTimeout,
		cfg.Broker.TLSCA, cfg.Broker.TLSCert, cfg.Broker.TLSKey, logger,
	)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer pubsub.Disconnect(ctx)

	svc := deployment.NewMQTTService(pubsub, cfg.Deployment.DomainID, cfg.Deployment.ChannelID, cfg.Topology.SeedTasks(), logger)

	top, err := topology.New(ctx, svc, topology.Config{
		DefaultTimeout:         cfg.Topology.DefaultTimeout,
		HeartbeatInterval:      cfg.Topology.HeartbeatInterval,
		MaxConcurrentSyncCalls: cfg.Topology.MaxConcurrentSyncCalls,
	}, logger, topology.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		return fmt.Errorf("failed to initialize topology: %w", err)
	}

	if err := top.Start(ctx, cfg.Topology.MinStatePublishers); err != nil {
		return fmt.Errorf("failed to start topology: %w", err)
	}
	defer top.Shutdown(context.Background())

	var srv *http.Server
	if cfg.StatusAPI.Enabled {
		srv = &http.Server{Addr: cfg.StatusAPI.ListenAddr, Handler: statusapi.MakeHandler(top)}
		go func() {
			logger.Info("status API listening", slog.String("addr", cfg.StatusAPI.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API server failed", slog.Any("error", err))
			}
		}()
	}

	<-ctx.Done()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	return nil
}

func configureLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
