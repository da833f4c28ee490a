package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/rehearsal/internal/app"
	"github.com/lukasbauer/rehearsal/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		candidate  string
		questionID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived answer attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfigFromEnv()
			logger, err := app.NewLogger(flagLogLevel, "development")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			items, err := a.Store().ListTurnsByCandidate(ctx, candidate, questionID, limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVar(&candidate, "candidate", "local", "candidate id")
	cmd.Flags().StringVar(&questionID, "question", "", "only attempts at this question id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of attempts")
	return cmd
}

func printHistory(w io.Writer, items []store.TurnListItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No attempts yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tQUESTION\tATTEMPT\tOUTCOME\tWORDS\tDURATION")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			it.EndedAt.Local().Format("2006-01-02 15:04"),
			it.QuestionID,
			it.Attempt,
			it.Outcome,
			it.WordCount,
			(time.Duration(it.DurationSeconds * float64(time.Second))).Round(time.Second),
		)
	}
	_ = tw.Flush()
}
