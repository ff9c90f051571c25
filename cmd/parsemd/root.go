package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/local/parsemd/internal/app"
	"github.com/local/parsemd/internal/config"
)

var (
	cfgFile string
	verbose bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:          "parsemd",
	Short:        "Convert documents to Markdown",
	Long:         "parsemd classifies a local document, converts office and HTML files to PDF and parses the result to Markdown with the configured layout engine.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.Logging.Level = "debug"
		} else if cfg.Logging.Level == "info" {
			cfg.Logging.Level = "warn"
		}
		cfg.Logging.Pretty = true
		cfg.Logging.File = ""
		cfg.Axiom.Send = false
		return app.InitLogging(cfg, "parsemd-cli")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
