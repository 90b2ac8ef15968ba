// Command marketplace runs the Tradeloft marketplace API and its
// maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tradeloft/marketplace/internal/config"
	"github.com/tradeloft/marketplace/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "marketplace",
	Short: "Tradeloft home-services marketplace backend",
	Long: `Tradeloft connects homeowners with contractors and interior designers.

This binary serves the JSON API (designer orders, AI bill-of-materials,
contractor search, assistant chat) and runs schema migrations.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if cfg.Version == "dev" && version != "dev" {
		cfg.Version = version
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.New("marketplace", logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
}
