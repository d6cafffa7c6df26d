package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/config"
	"github.com/lolwierd/rig/internal/notify"
	"github.com/lolwierd/rig/internal/relay"
	discordadapter "github.com/lolwierd/rig/internal/relay/discord"
	slackadapter "github.com/lolwierd/rig/internal/relay/slack"
	"github.com/lolwierd/rig/internal/session"
)

func newRelayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Start the chat relay daemon",
		Long:  "Connects to the configured chat platform and maps each thread onto its own agent conversation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "rig.yaml", "path to rig config file")
	return cmd
}

func runRelay(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Relay.Platform == "" {
		return fmt.Errorf("relay: no platform configured in %s (add relay.platform)", configPath)
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

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	// Completion notifications post back into the thread that armed them.
	watcher, err := notify.NewWatcher(provider, notify.NotifierFunc(relay.AdapterNotifier(adapter)), out)
	if err != nil {
		return err
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		Conversations: orch,
		Adapter:       adapter,
		Watches:       watcher,
		Out:           out,
	})
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

	return daemon.Run(ctx)
}

// createAdapter builds the platform adapter from config, prompting for
// missing tokens on an interactive terminal.
func createAdapter(cfg *config.Config) (relay.Adapter, error) {
	switch cfg.Relay.Platform {
	case "discord":
		token := cfg.Relay.Discord.BotToken
		if token == "" {
			var err error
			token, err = promptSecret("Discord bot token: ")
			if err != nil {
				return nil, err
			}
		}
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  token,
			ChannelID: cfg.Relay.Discord.ChannelID,
		})

	case "slack":
		botToken := cfg.Relay.Slack.BotToken
		if botToken == "" {
			var err error
			botToken, err = promptSecret("Slack bot token (xoxb-...): ")
			if err != nil {
				return nil, err
			}
		}
		appToken := cfg.Relay.Slack.AppToken
		if appToken == "" {
			var err error
			appToken, err = promptSecret("Slack app token (xapp-...): ")
			if err != nil {
				return nil, err
			}
		}
		return slackadapter.New(slackadapter.AdapterOpts{
			BotToken:  botToken,
			AppToken:  appToken,
			ChannelID: cfg.Relay.Slack.ChannelID,
		})

	default:
		return nil, fmt.Errorf("relay: unsupported platform %q", cfg.Relay.Platform)
	}
}

// promptSecret reads a token from the terminal without echoing it.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("relay: token not configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("relay: read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("relay: empty token")
	}
	return token, nil
}
