package main

import (
	"fmt"
	"os"

	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the querycached command tree.
func NewRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "querycached",
		Short:         "Booking API served through query caches",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newValidateCmd(&configPath))
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			cmd.Printf("Configuration is valid\n")
			cmd.Printf("  http_port:  %s\n", cfg.HTTPPort)
			cmd.Printf("  firestore:  %t\n", cfg.Firestore.Enabled)
			cmd.Printf("  redis:      %t\n", cfg.Redis.Enabled)
			cmd.Printf("  pubsub:     %t\n", cfg.PubSub.Enabled)
			cmd.Printf("  capacity:   %d\n", cfg.Cache.Capacity)
			return nil
		},
	}
}

// newLogger builds the service logger at the configured level.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger(), nil
}
