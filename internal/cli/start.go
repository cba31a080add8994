package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbot-ai/qbot/internal/bot"
	"github.com/qbot-ai/qbot/internal/channels"
	"github.com/qbot-ai/qbot/internal/commands"
	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/knowledge"
	"github.com/qbot-ai/qbot/internal/logging"
	"github.com/qbot-ai/qbot/internal/probe"
	"github.com/qbot-ai/qbot/internal/runtime"
	"github.com/qbot-ai/qbot/internal/stats"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the bot server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			warnStartupConditions(cfg)

			bases, err := knowledgeFactory(cfg)
			if err != nil {
				return err
			}
			defer knowledge.CloseAll(bases)

			handler, err := bot.FromBases(bases, bot.Options{
				Name:        cfg.Bot.Name,
				WelcomeText: cfg.Bot.WelcomeText,
			})
			if err != nil {
				return err
			}

			listeners := map[string]runtime.Listener{}
			if cfg.Channels.Console.Enabled {
				listeners[channels.ChannelConsole] = channels.NewConsole(
					cmd.InOrStdin(),
					cmd.OutOrStdout(),
					cfg.Bot.Name,
					cfg.Channels.Console.DisplayName,
				)
			}
			if cfg.Channels.Telegram.Enabled {
				listeners[channels.ChannelTelegram] = channels.NewTelegram(
					cfg.Channels.Telegram.Token,
					cfg.AllowedUsersPath(),
				)
			}

			logging.Logger().Info(
				"starting server",
				"bot", cfg.Bot.Name,
				"bases", len(bases),
				"channels", len(listeners),
				"home_dir", cfg.HomeDir,
			)

			pidPath := cfg.PIDPath()
			if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
				return fmt.Errorf("write pid file %q: %w", pidPath, err)
			}
			defer func() {
				os.Remove(pidPath)
			}()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The probe service backs the /probe command even when the
			// scheduled probe is disabled; cron only runs when enabled.
			probeService := probe.NewService(bases, cfg.Probe.Schedule, cfg.Probe.Question)
			if cfg.Probe.Enabled {
				if err := probeService.Start(runCtx); err != nil {
					return err
				}
				// Initial health check; per-base outcomes are logged by the probe.
				probeService.RunAll(runCtx)
			}

			tracker := stats.New(cfg.TurnsPath())
			routed := commands.Router{
				Commands: commands.New(tracker, probeService),
				Next:     handler,
			}

			errCh := make(chan error, len(listeners))
			var wg sync.WaitGroup
			for name, listener := range listeners {
				wg.Add(1)
				go func(channel string, listener runtime.Listener) {
					defer wg.Done()
					// A channel exiting on its own (console EOF or /quit) ends the run.
					defer stop()
					wrapped := stats.Middleware(routed, tracker, channel)
					if err := listener.Listen(runCtx, wrapped); err != nil && !errors.Is(err, context.Canceled) {
						errCh <- fmt.Errorf("%s channel: %w", channel, err)
					}
				}(name, listener)
			}
			wg.Wait()
			close(errCh)

			var runErr error
			for err := range errCh {
				if runErr == nil {
					runErr = err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := probeService.Stop(shutdownCtx); err != nil && runErr == nil {
				runErr = err
			}

			if runErr != nil {
				return runErr
			}
			logging.Logger().Info("server stopped")
			return nil
		},
	}
}
