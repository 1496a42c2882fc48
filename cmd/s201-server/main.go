// Package main provides the entry point for the S-201 dataset server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/s201-server/internal/config"
	"github.com/spacedatanetwork/s201-server/internal/node"
	"github.com/spacedatanetwork/s201-server/internal/unlocode"
)

var log = logging.Logger("s201")

var rootCmd = &cobra.Command{
	Use:   "s201-server",
	Short: "S-201 AtoN dataset versioning and distribution server",
	Long: `s201-server keeps versioned S-201 Aids to Navigation datasets, serves
them through a query API and the SECOM interface, and notifies subscribers
when matching datasets change.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logging.SetAllLoggers(logging.LevelDebug)
		} else {
			logging.SetAllLoggers(logging.LevelInfo)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the S-201 server",
	Long:  `Start the HTTP API and rebuild the search index in the background.`,
	RunE:  runDaemon,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runInit,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the catalog",
	Long:  `Rebuilds the dataset and subscription search index once and exits.`,
	RunE:  runReindex,
}

var verifyLogCmd = &cobra.Command{
	Use:   "verify-log",
	Short: "Verify the content log hash chain",
	RunE:  runVerifyLog,
}

var importLocodesCmd = &cobra.Command{
	Use:   "import-locodes <file>",
	Short: "Load a UN/LOCODE geometry table",
	Long:  `Loads a YAML mapping of UN/LOCODE to WKT geometry into the catalog.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runImportLocodes,
}

var (
	configPath string
	listenAddr string
	debug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	daemonCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "override listen address")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(verifyLogCmd)
	rootCmd.AddCommand(importLocodesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listenAddr != "" {
		cfg.API.Listen = listenAddr
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	log.Info("Starting S-201 server...")
	if err := n.Start(ctx); err != nil {
		n.Stop()
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Infof("Listening on: %s", n.Addr())

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	return n.Stop()
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	log.Infof("Initialized S-201 configuration at %s", path)
	return nil
}

// openOffline opens a node without the background bootstrap so one-shot
// commands own the index for their whole run.
func openOffline(ctx context.Context) (*node.Node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Bootstrap.Enabled = false

	n, err := node.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open node: %w", err)
	}
	return n, nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	count, err := n.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}
	log.Infof("Reindex complete: %d documents indexed", count)
	return nil
}

func runVerifyLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	count, err := n.VerifyLog(ctx)
	if err != nil {
		return fmt.Errorf("content log verification failed: %w", err)
	}
	log.Infof("Content log verified: %d entries", count)
	return nil
}

func runImportLocodes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	n, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer n.Stop()

	count, err := unlocode.Import(ctx, n.Store(), args[0])
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	log.Infof("Imported %d UN/LOCODE entries from %s", count, args[0])
	return nil
}
