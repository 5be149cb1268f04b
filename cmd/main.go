package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hyp3rd/hypergrid"
	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/dist"
)

const shutdownTimeout = 10 * time.Second

var (
	rootCmd = &cobra.Command{
		Use:   "hypergrid",
		Short: "A segmented in-memory data grid node",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run a grid node until interrupted",
		RunE:  serve,
	}

	configPathArg string
	logLevelArg   string
	overrides     dist.Config
)

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "info", "log level (debug, info, warn, error)")

	flags := serveCmd.Flags()
	flags.StringVarP(&configPathArg, "config", "c", "", "path to a YAML configuration file")
	flags.StringVar(&overrides.NodeID, "node-id", "", "node id, overrides the configuration file")
	flags.StringVar(&overrides.BindAddr, "bind", "", "state transfer listen address")
	flags.StringVar(&overrides.AdvertiseAddr, "advertise", "", "address peers use to reach this node")
	flags.StringVar(&overrides.MgmtAddr, "mgmt", "", "management HTTP listen address")
	flags.StringSliceVar(&overrides.Peers, "peer", nil, "static peer as id=host:port, repeatable")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	level, err := zerolog.ParseLevel(logLevelArg)
	if err != nil {
		return err
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg, err := loadConfig(configPathArg)
	if err != nil {
		return err
	}

	applyOverrides(&cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := hypergrid.NewNode(ctx, cfg, hypergrid.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("unable to create the node: %w", err)
	}

	err = node.Start(ctx)
	if err != nil {
		return fmt.Errorf("unable to start the node: %w", err)
	}

	// static peers agree on the first topology; later ones arrive through the
	// management endpoint
	members := node.Peers().Members()
	if !cluster.ContainsNode(members, node.ID()) {
		members = append(members, node.ID())
	}

	top, err := hypergrid.NewPlanner(cfg).Initial(1, members)
	if err != nil {
		return err
	}

	err = node.Install(ctx, top, false)
	if err != nil {
		return err
	}

	logger.Info().Str("node", cfg.NodeID).Int("members", len(top.Members)).Msg("node ready")

	<-ctx.Done()

	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return node.Stop(stopCtx)
}

func loadConfig(path string) (dist.Config, error) {
	cfg := dist.Defaults()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("unable to open the config file: %w", err)
	}

	err = yaml.Unmarshal(raw, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("unable to parse the config file at %q: %w", path, err)
	}

	return cfg, nil
}

func applyOverrides(cfg *dist.Config) {
	if overrides.NodeID != "" {
		cfg.NodeID = overrides.NodeID
	}

	if overrides.BindAddr != "" {
		cfg.BindAddr = overrides.BindAddr
	}

	if overrides.AdvertiseAddr != "" {
		cfg.AdvertiseAddr = overrides.AdvertiseAddr
	}

	if overrides.MgmtAddr != "" {
		cfg.MgmtAddr = overrides.MgmtAddr
	}

	if len(overrides.Peers) > 0 {
		cfg.Peers = overrides.Peers
	}
}
