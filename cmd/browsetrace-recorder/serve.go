package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/vincentbai/browsetrace-recorder/internal/capture"
	"github.com/vincentbai/browsetrace-recorder/internal/database"
	"github.com/vincentbai/browsetrace-recorder/internal/metadata"
	"github.com/vincentbai/browsetrace-recorder/internal/observability"
	"github.com/vincentbai/browsetrace-recorder/internal/recorder"
	"github.com/vincentbai/browsetrace-recorder/internal/server"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder and its local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
	cmd.Flags().String("address", "", "listen address (default 127.0.0.1:8123)")
	cmd.Flags().Bool("capture", false, "enable visual capture through the browser's DevTools endpoint")
	cmd.Flags().String("remote-url", "", "DevTools endpoint of the recorded browser")
	_ = a.v.BindPFlag("server.address", cmd.Flags().Lookup("address"))
	_ = a.v.BindPFlag("capture.enabled", cmd.Flags().Lookup("capture"))
	_ = a.v.BindPFlag("capture.remote_url", cmd.Flags().Lookup("remote-url"))
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	logger := observability.GetLogger()
	cfg := a.cfg

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create application directory: %w", err)
	}
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	var capturer metadata.Capturer
	if cfg.Capture.Enabled {
		cdp, err := capture.NewCDPCapturer(cmd.Context(), logger, cfg.Capture.RemoteURL, cfg.Capture.Timeout)
		if err != nil {
			// Recording works without screenshots.
			logger.Warn("Visual capture unavailable.", zap.String("remote_url", cfg.Capture.RemoteURL), zap.Error(err))
		} else {
			defer cdp.Close()
			capturer = cdp
		}
	}

	rec := recorder.New(logger, recorder.OptionsFromConfig(cfg, capturer))
	defer rec.Close()

	logger.Info("Starting BrowserTrace recorder.",
		zap.String("version", Version),
		zap.String("database", cfg.Database.Path))
	return server.NewServer(logger, rec, db, cfg.Server).Start()
}
