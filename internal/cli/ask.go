package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qbot-ai/qbot/internal/bot"
	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/knowledge"
	"github.com/qbot-ai/qbot/internal/runtime"
)

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return errors.New("question is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

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

			writer := &singleShotWriter{out: cmd.OutOrStdout()}
			return handler.HandleActivity(cmd.Context(), writer, runtime.NewMessageActivity(question))
		},
	}
}

type singleShotWriter struct {
	out io.Writer
}

// WriteMessage writes one response message for one-shot ask mode.
func (w *singleShotWriter) WriteMessage(_ context.Context, text string) error {
	_, err := fmt.Fprintln(w.out, text)
	return err
}
