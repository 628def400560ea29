package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nhle/inboxd/internal/app"
	"github.com/nhle/inboxd/internal/credential"
	"github.com/nhle/inboxd/internal/logging"
	"github.com/nhle/inboxd/internal/model"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "inboxd",
	Short:         "Mailbox sync service",
	Long:          "Synchronizes an IMAP or Gmail inbox into a local store and serves it over HTTP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+model.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().String("log.level", "info", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log.format", "json", "log format: json or console")
	rootCmd.PersistentFlags().String("mailbox.backend", model.BackendIMAP, "remote mailbox backend: imap or gmail")

	rootCmd.AddCommand(serveCmd, syncCmd, sendCmd, loginCmd, logoutCmd, configCmd)
}

// loadConfig reads the configuration with cmd's flags bound over it and
// builds the logger it describes.
func loadConfig(cmd *cobra.Command) (*model.AppConfig, zerolog.Logger, error) {
	cfg, err := model.LoadConfig(configPath, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// openCredentials opens the system keyring. Commands that can run on
// configuration alone continue without it.
func openCredentials(log zerolog.Logger) *credential.Store {
	creds, err := credential.Open()
	if err != nil {
		log.Warn().Err(err).Msg("keyring unavailable; using configured secrets only")
		return nil
	}
	return creds
}

func openApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, openCredentials(log), log)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return a, nil
}
