package main

import (
	"github.com/spf13/cobra"

	"github.com/vnmchuo/scribeflow/config"
	"github.com/vnmchuo/scribeflow/internal/logging"
)

const serviceName = "scribeflow-ai"

// Version is set at build time.
var Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "ScribeFlow AI gateway",
	Long:    `Routes ScribeFlow's chat, streaming and text analysis requests to OpenAI, Anthropic, Google and Cohere.`,
	Version: Version,
	// Serve by default when no subcommand is given.
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
}

// loadConfig reads the environment and configures logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
	})
	return cfg, nil
}
