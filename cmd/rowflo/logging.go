package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/rowflo/pkg/config"
)

// configureLogger builds a logger for commands that do not load a config
// file. --log-level overrides the default level.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	cfg := config.DefaultConfig()
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if _, err := cfg.Level(); err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}
	return cfg.NewLogger(), nil
}
