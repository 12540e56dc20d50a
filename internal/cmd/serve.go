package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kit-playground/playground/internal/config"
	"github.com/kit-playground/playground/internal/display"
	"github.com/kit-playground/playground/internal/process"
	"github.com/kit-playground/playground/internal/server"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playground API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}

	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	storeDir, err := display.DefaultStoreDir()
	if err != nil {
		return err
	}
	store, err := display.NewStore(storeDir)
	if err != nil {
		return err
	}

	hub := server.NewHub()
	registry := process.NewRegistry(cfg.Limits.MaxProcesses, cfg.Limits.StopGraceDuration())
	launcher := process.NewLauncher(registry, hub)
	sessions := display.NewManager(display.Options{
		FirstDisplay: cfg.Display.First,
		PoolSize:     cfg.Display.Count,
		PortBase:     cfg.Display.PortBase,
		BindHost:     cfg.Server.BindHost(),
		XpraBinary:   cfg.Display.XpraBinary,
		AppGrace:     cfg.Display.AppGraceDuration(),
		StopGrace:    cfg.Limits.StopGraceDuration(),
	}, hub, store)

	srv, err := server.New(cfg, registry, launcher, sessions, hub)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Reap every child before exiting: sessions first (app + display
	// server), then the general registry.
	sessions.Shutdown()
	registry.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
