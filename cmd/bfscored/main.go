// Command bfscored wires the bounce-buffer pool, codec, write pipeline,
// read pipeline, and move engine into a single data-path daemon over a
// file-backed device pool, and exposes rereplicate/migrate/stats operator
// commands over the same wiring (spec §1, §6).
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/bfscore/pkg/config"
	"github.com/cuemby/bfscore/pkg/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "bfscored",
	Short: "bfscore data-path daemon and operator CLI",
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bfscore.yaml", "path to the data-path config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rereplicateCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
