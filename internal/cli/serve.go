package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/api"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/config"
	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the run API on 127.0.0.1. Callers create runs, fire triggers and
follow each run's audit log over HTTP. A bearer token is generated on first
start and printed in the banner.

Set CONTENTPIPE_HEADLESS=false to show a system tray status indicator.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	startTime := time.Now()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting contentpipe", "version", config.Version, "data_dir", cfg.DataDir())

	if _, err := a.store.FailInterrupted(cmd.Context()); err != nil {
		logger.Warn("failed to mark interrupted runs", "error", err)
	}

	authToken, err := ensureAuthToken(cmd.Context(), a.db)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  CONTENTPIPE v%-60s║\n", config.Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-44d║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-61s║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════════════════════╝")
	fmt.Println()

	initCtx, initCancel := context.WithTimeout(context.Background(), cfg.TimeoutHealth()+time.Second)
	if report, err := a.doctor.Refresh(initCtx); err != nil {
		logger.Warn("initial doctor probe failed", "error", err)
	} else if !report.AllOK {
		logger.Warn("some stage services are unreachable", "down", report.Down())
	}
	initCancel()

	apiServer := api.NewServer(api.ServerConfig{
		Port:         cfg.Port(),
		Orchestrator: a.orch,
		Artifacts:    a.artifacts,
		Doctor:       a.doctor,
		Tokens:       a.db,
		Logger:       logger,
		StartTime:    startTime,
		Version:      config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Store:  a.store,
			Doctor: a.doctor,
			Logger: logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
