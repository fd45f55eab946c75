package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/glimte/relay"
	"github.com/glimte/relay/health"
	"github.com/glimte/relay/transports/tcp"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Durable at-least-once envelope delivery node",
		Long: `relay runs a node that persists every envelope before handling or sending it,
promotes scheduled envelopes when they come due and takes over the envelopes of dead peers.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.AddCommand(serveCommand(), pingCommand(), versionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := relay.LoadConfig(configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			node, err := relay.NewNode(ctx, cfg)
			if err != nil {
				return err
			}

			var server *http.Server
			if cfg.Metrics.Address != "" {
				server = observabilityServer(cfg.Metrics.Address, node)
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
					}
				}()
			}

			err = node.Run(ctx)

			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML config file")
	return cmd
}

func observabilityServer(addr string, node *relay.Node) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", node.MetricsHandler())
	mux.Handle("/healthz", health.NewHandler(node.Health(), 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func pingCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping <uri>",
		Short: "Check that a node listens at uri, e.g. tcp://host:2200/default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			sender := tcp.NewSocketSender(tcp.WithSenderLogger(zap.NewNop()))
			start := time.Now()
			if err := sender.Ping(ctx, args[0]); err != nil {
				return fmt.Errorf("ping %s: %w", args[0], err)
			}
			fmt.Printf("%s answered in %s\n", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for the receiver")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s\ncommit: %s\nbuilt: %s\n", version, gitCommit, buildTime)
		},
	}
}
