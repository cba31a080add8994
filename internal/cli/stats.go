package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/qbot-ai/qbot/internal/config"
	"github.com/qbot-ai/qbot/internal/stats"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print handled-turn statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			summary, err := stats.New(cfg.TurnsPath()).Summarize(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Turns: %d\n", summary.Total)
			fmt.Fprintf(out, "Failed: %d\n", summary.Failed)
			if len(summary.ByKind) == 0 {
				return nil
			}

			fmt.Fprintln(out, "By kind:")
			kinds := make([]string, 0, len(summary.ByKind))
			for kind := range summary.ByKind {
				kinds = append(kinds, kind)
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				fmt.Fprintf(out, "  %s: %d\n", kind, summary.ByKind[kind])
			}
			return nil
		},
	}
}
