package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qbot-ai/qbot/internal/channels"
	"github.com/qbot-ai/qbot/internal/config"
)

const pairingWindow = 15 * time.Minute

func newPairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Authorize a Telegram user for bot access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			token := strings.TrimSpace(cfg.Channels.Telegram.Token)
			if token == "" {
				return errors.New("telegram bot token is not configured. Set [channels.telegram] token in config.toml")
			}

			pidPath := cfg.PIDPath()
			if _, err := os.Stat(pidPath); err == nil {
				return errors.New("server appears to be running. Stop it first, then run qbot pair")
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat pid file %q: %w", pidPath, err)
			}

			pairCtx, cancel := context.WithTimeout(cmd.Context(), pairingWindow)
			defer cancel()
			if ctxErr := pairCtx.Err(); ctxErr != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Pairing timed out.")
				return ctxErr
			}

			session, err := channels.BeginTelegramPairing(pairCtx, token, cfg.AllowedUsersPath())
			if err != nil {
				return pairingFailure(cmd, pairCtx, err)
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"Bot connected: @%s. Pairing mode active for 15 minutes. Message your bot in Telegram to receive a pairing code.\n",
				session.BotUsername(),
			)

			if err := session.AwaitUser(pairCtx); err != nil {
				return pairingFailure(cmd, pairCtx, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pairing code sent to %s in Telegram.\n", pairedName(session))

			reader := bufio.NewReader(cmd.InOrStdin())
			for {
				fmt.Fprint(cmd.OutOrStdout(), "Enter pairing code: ")
				line, readErr := reader.ReadString('\n')
				code := strings.TrimSpace(line)
				if code != "" {
					submitErr := session.SubmitCode(pairCtx, code)
					if submitErr == nil {
						fmt.Fprintf(
							cmd.OutOrStdout(),
							"Authorized %s. Restart the bot server to activate.\n",
							pairedName(session),
						)
						return nil
					}
					if !errors.Is(submitErr, channels.ErrWrongCode) {
						return pairingFailure(cmd, pairCtx, submitErr)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Wrong code. Try again.")
				}
				if readErr != nil {
					return pairingFailure(cmd, pairCtx, fmt.Errorf("read pairing code: %w", readErr))
				}
			}
		},
	}
}

func pairingFailure(cmd *cobra.Command, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Pairing timed out.")
	}
	return err
}

func pairedName(session *channels.TelegramPairSession) string {
	if name := strings.TrimSpace(session.Name()); name != "" {
		return name
	}
	if username := strings.TrimSpace(session.Username()); username != "" {
		return "@" + username
	}
	return "user " + session.UserID()
}
