package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/config"
	"github.com/lolwierd/rig/internal/notify"
	"github.com/lolwierd/rig/internal/server"
	"github.com/lolwierd/rig/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the rig API server",
		Long:  "Spawns agent processes on demand and exposes them over a JSON API, per-bridge WebSockets, and an SSE feed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rig.yaml", "path to rig config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return err
	}

	registry := bridge.NewRegistry(bridge.RegistryOpts{
		Binary:     cfg.Agent.Binary,
		SessionDir: cfg.Agent.SessionDir,
		Out:        out,
	})
	defer registry.KillAll()

	provider := session.NewRegistryProvider(registry)

	dispatcher, err := session.NewDispatcher(session.DispatcherOpts{
		Provider:        provider,
		DefaultProvider: cfg.Agent.DefaultProvider,
		DefaultModel:    cfg.Agent.DefaultModel,
		DedupeWindow:    time.Duration(cfg.Session.DedupeWindowSec) * time.Second,
		Out:             out,
	})
	if err != nil {
		return err
	}

	orch, err := session.NewOrchestrator(session.Opts{
		DB:              gormDB,
		Provider:        provider,
		Cwd:             cfg.Relay.Cwd,
		DefaultProvider: cfg.Agent.DefaultProvider,
		DefaultModel:    cfg.Agent.DefaultModel,
		TurnTimeout:     time.Duration(cfg.Session.TurnTimeoutSec) * time.Second,
		IdleTimeout:     time.Duration(cfg.Session.IdleTimeoutSec) * time.Second,
		Out:             out,
	})
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	reaper, err := session.StartReaper(orch, time.Duration(cfg.Session.ReapIntervalSec)*time.Second, out)
	if err != nil {
		return err
	}
	defer reaper.Stop()

	// Server-armed watches land in the log; chat delivery belongs to the
	// relay daemon.
	watcher, err := notify.NewWatcher(provider, notify.NotifierFunc(func(owner, text string) error {
		fmt.Fprintf(out, "notify: %s: %s\n", owner, text)
		return nil
	}), out)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return server.Start(ctx, server.StartOpts{
		Registry:   registry,
		Dispatcher: dispatcher,
		Watcher:    watcher,
		AuthToken:  cfg.Server.AuthToken,
		Port:       cfg.Server.Port,
		Out:        out,
	})
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "rig.yaml" {
		return config.Default(), nil
	}
	return nil, err
}
