package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/rehearsal/internal/app"
	"github.com/lukasbauer/rehearsal/internal/httpapi"
)

func newTokenCmd() *cobra.Command {
	var (
		candidate string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the interview server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.LoadConfigFromEnv()
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required")
			}
			if candidate == "" {
				return errors.New("--candidate is required")
			}
			token, err := httpapi.IssueToken(cfg.JWTSecret, candidate, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			if cfg.PublicBaseURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s?token=%s\n", httpapi.InterviewURL(cfg.PublicBaseURL), token)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&candidate, "candidate", "", "candidate id the token authenticates")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
