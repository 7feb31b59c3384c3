package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docanalyst/internal/config"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "docanalyst",
	Short: "Session-scoped document analysis with retrieval and schema extraction",
	Long: `docanalyst ingests documents into per-session vector indexes and produces
a schema-validated metadata record for each one using retrieved context and a
language model.

Run "docanalyst serve" for the HTTP API or "docanalyst analyze <file>" for a
one-shot analysis.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides DOCANALYST_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration and builds the JSON logger writing to
// out.
func loadConfig(out io.Writer) (config.Config, *slog.Logger, error) {
	if cfgFile != "" {
		os.Setenv("DOCANALYST_CONFIG", cfgFile)
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return cfg, log, nil
}
