package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/reviewyai/reviewy/internal/config"
	"github.com/reviewyai/reviewy/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "reviewyd",
		Short:         "AI pull request review service",
		Long:          "reviewyd receives repository webhooks, dispatches review jobs and runs the workers that write reviews",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to $REVIEWY_CONFIG or config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies logging settings.
func loadConfig() (config.Config, io.Closer, error) {
	cfg, errLoad := config.Load(config.ResolveConfigPath(configPath))
	if errLoad != nil {
		return config.Config{}, nil, errLoad
	}
	closer, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return config.Config{}, nil, errLog
	}
	return cfg, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func closeLogs(closer io.Closer) {
	if errClose := closer.Close(); errClose != nil {
		log.WithError(errClose).Warn("close log file")
	}
}
