package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meulify/mai/internal/chat"
	"github.com/meulify/mai/internal/chat/discord"
	"github.com/meulify/mai/internal/config"
	"github.com/meulify/mai/internal/health"
	"github.com/meulify/mai/internal/proxy"
)

func newRunCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the Discord bot",
		Long: "Connects to Discord, answers questions that mention the bot, and serves the health endpoint. " +
			"Stops gracefully on SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, opts)
		},
	}
}

func runRun(cmd *cobra.Command, opts *rootOpts) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if cfg.Discord.Token == "" {
		return fmt.Errorf("run: DISCORD_TOKEN is required")
	}
	logger := newLogger(cmd, cfg)
	out := cmd.OutOrStdout()

	refresher, err := newProxyRefresher(cfg, logger)
	if err != nil {
		return err
	}
	var client *http.Client
	if refresher != nil {
		client = refresher.HTTPClient()
	}

	proc, store, models, err := buildProcessor(cfg, logger, client)
	if err != nil {
		return err
	}

	adapter, err := discord.New(discord.AdapterOpts{
		BotToken: cfg.Discord.Token,
		Logger:   logger.With("component", "discord"),
	})
	if err != nil {
		return err
	}

	stats := chat.NewStats()
	daemon, err := chat.NewDaemon(chat.DaemonOpts{
		Adapter:  adapter,
		Answerer: proc,
		Topics:   store,
		Models:   models,
		Operator: cfg.Operator,
		Stats:    stats,
		Search: chat.SearcherOpts{
			TotalCap:         cfg.Search.TotalCap,
			SingleChannelCap: cfg.Search.SingleChannelCap,
			MultiChannelCap:  cfg.Search.MultiChannelCap,
		},
		IgnoreChannels: cfg.Discord.IgnoreChannelsContaining,
		HistoryLimit:   cfg.Discord.HistoryLimit,
		Logger:         logger,
		Out:            out,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The bot going offline stops everything else.
		defer cancel()
		return daemon.Run(gctx)
	})
	if !cfg.Health.Disabled {
		g.Go(func() error {
			return health.Start(gctx, health.StartOpts{
				Port:    cfg.Health.Port,
				Stats:   stats,
				Models:  models,
				Version: Version,
				Out:     out,
			})
		})
	}
	if refresher != nil {
		g.Go(func() error {
			return refresher.Run(gctx)
		})
	}
	return g.Wait()
}

// newProxyRefresher returns nil when no Webshare token is configured.
func newProxyRefresher(cfg *config.Config, logger *log.Logger) (*proxy.Refresher, error) {
	if cfg.Proxy.Token == "" {
		return nil, nil
	}
	client, err := proxy.NewClient(proxy.ClientOpts{Token: cfg.Proxy.Token, BaseURL: cfg.Proxy.APIURL})
	if err != nil {
		return nil, err
	}
	return proxy.NewRefresher(proxy.RefresherOpts{
		Fetcher:  client,
		Schedule: cfg.Proxy.Schedule,
		Logger:   logger.With("component", "proxy"),
	})
}
