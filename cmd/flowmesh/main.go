package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"flowmesh/config"
	"flowmesh/pkg/observability"
	"flowmesh/pkg/server"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowmesh",
		Short: "flowmesh - clustered process engine",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a flowmesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to configuration file")
	addNodeFlags(f)
	if err := bindFlags(viper.GetViper(), f); err != nil {
		panic(err)
	}
	return cmd
}

// flagKeys maps configuration keys to the serve flags overriding them.
var flagKeys = map[string]string{
	"server.host":            "host",
	"server.port":            "port",
	"storage.data_dir":       "data-dir",
	"storage.backend":        "storage",
	"cluster.enabled":        "cluster",
	"cluster.node_id":        "node-id",
	"cluster.bind_addr":      "bind",
	"cluster.rpc_addr":       "rpc",
	"cluster.advertise":      "advertise",
	"cluster.bootstrap":      "bootstrap",
	"cluster.join_addresses": "join",
	"engine.flows_dir":       "flows",
	"logging.level":          "log-level",
	"logging.format":         "log-format",
	"tracing.exporter":       "tracing",
}

func addNodeFlags(f *pflag.FlagSet) {
	f.String("host", "localhost", "HTTP listen host")
	f.Int("port", 8080, "HTTP listen port")
	f.String("data-dir", "./data", "Replica store directory")
	f.String("storage", "badger", "Replica store backend (badger|memory)")
	f.Bool("cluster", false, "Enable clustering")
	f.String("node-id", "", "Node ID for clustering")
	f.String("bind", "", "Raft bind address")
	f.String("rpc", "", "Coordinator RPC address")
	f.String("advertise", "", "HTTP address advertised to other members")
	f.Bool("bootstrap", false, "Bootstrap cluster")
	f.StringSlice("join", nil, "Coordinator RPC addresses of existing members")
	f.String("flows", "./flows", "Directory of flow definitions")
	f.String("log-level", "info", "Log level")
	f.String("log-format", "text", "Log format (text|json)")
	f.String("tracing", "none", "Span exporter (none|stdout)")
}

func bindFlags(v *viper.Viper, f *pflag.FlagSet) error {
	for key, name := range flagKeys {
		flag := f.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag --%s not defined", name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func run(cfg *config.Config) error {
	logger, closer, err := observability.NewLogger("flowmesh", observability.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()

	shutdownTracing, err := observability.InitTracing("flowmesh", cfg.Cluster.NodeID, observability.TracingConfig{
		Exporter: cfg.Tracing.Exporter,
		File:     cfg.Tracing.File,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	node, err := server.NewNode(cfg, logger)
	if err != nil {
		return err
	}
	srv := server.NewServer(cfg, node, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting node", "node", cfg.Cluster.NodeID, "clustered", cfg.Cluster.Enabled, "storage", cfg.Storage.Backend)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("flowmesh node stopped")
	return nil
}
