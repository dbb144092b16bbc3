// Package main provides the CLI entry point for clipmeshd, the
// peer-to-peer clipboard sync agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postalsys/clipmesh-agent/internal/clipboard"
	"github.com/postalsys/clipmesh-agent/internal/config"
	"github.com/postalsys/clipmesh-agent/internal/logging"
	"github.com/postalsys/clipmesh-agent/internal/metrics"
	"github.com/postalsys/clipmesh-agent/internal/overlay"
	"github.com/postalsys/clipmesh-agent/internal/supervisor"
	"github.com/postalsys/clipmesh-agent/internal/transport"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "clipmeshd",
		Short:   "clipmeshd - peer-to-peer clipboard sync over a mesh VPN",
		Version: Version,
		Long: `clipmeshd watches the local system clipboard and mirrors every
change to every other node reachable through the mesh VPN overlay already
running on the host. It rides on top of the overlay's own connectivity and
peer discovery; it never implements the mesh itself.`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the clipboard sync agent",
		Long:  "Start the sync agent: watch the local clipboard, bridge it to every reachable mesh peer, and apply their updates in turn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			m := metrics.Default()

			overlayClient := buildOverlayClient(cfg)
			tr := transport.NewTCP(cfg.Transport.Port, overlayClient, logger, m)
			clip := clipboard.NewSystem()

			sup := supervisor.New(tr, clip, supervisor.Config{
				Period:          cfg.Sync.SupervisorPeriod,
				PollInterval:    cfg.Sync.PollInterval,
				CleanupInterval: cfg.Sync.CleanupInterval,
				StaleThreshold:  cfg.Sync.StaleThreshold,
			}, logger, m, nil)

			logger.Info("clipmeshd starting", "transport_port", cfg.Transport.Port)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down", "signal", sig.String())
				cancel()
			}()

			err = sup.Run(ctx)
			logger.Info("clipmeshd stopped")
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults built in if omitted)")

	return cmd
}

func statusCmd() *cobra.Command {
	var configPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the overlay backend's connectivity status",
		Long:  "Query the mesh VPN backend directly for its connectivity state and this node's identity. This does not require a running clipmeshd.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			overlayClient := buildOverlayClient(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := overlayClient.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query overlay backend: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Overlay Status\n")
			fmt.Printf("==============\n")
			fmt.Printf("Backend State: %s\n", status.BackendState)
			fmt.Printf("Connected:     %v\n", status.Connected())
			fmt.Printf("Node ID:       %s\n", status.Self.NodeID)
			fmt.Printf("Known Peers:   %d\n", len(status.Peers))

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults built in if omitted)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func peersCmd() *cobra.Command {
	var configPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers known to the overlay backend",
		Long:  "List every peer the mesh VPN backend currently reports, and whether it is online. This reflects overlay-level reachability, not this agent's pinned-identity sync registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			overlayClient := buildOverlayClient(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			status, err := overlayClient.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to query overlay backend: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status.Peers)
			}

			fmt.Printf("Mesh Peers\n")
			fmt.Printf("==========\n")
			if len(status.Peers) == 0 {
				fmt.Println("No peers known.")
				return nil
			}

			fmt.Printf("%-30s %-20s %-8s\n", "NODE ID", "OVERLAY IP", "ONLINE")
			fmt.Printf("%-30s %-20s %-8s\n", "-------", "----------", "------")
			for _, p := range status.Peers {
				ip, _ := p.FirstOverlayIP()
				fmt.Printf("%-30s %-20s %-8v\n", p.NodeID, ip, p.Online)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults built in if omitted)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildOverlayClient(cfg *config.Config) overlay.Client {
	return overlay.NewMultiClient(overlay.DefaultCandidates(cfg.Overlay.SocketPath, cfg.Overlay.LoopbackURL, cfg.Overlay.AuthTokenFile)...)
}
