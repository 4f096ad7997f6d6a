package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/config"
)

var errAuthDisabled = errors.New("auth.jwt_secret is not set, tokens are not required")

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for API clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.Ctx(cmd.Context())

			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			if !cfg.Auth.Enabled() {
				return errAuthDisabled
			}

			svc, err := auth.NewService(cfg.Auth)
			if err != nil {
				return err
			}

			token, expires, err := svc.IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}

			log.Info().Str("subject", subject).Str("role", role).Time("expires", expires).Msg("token issued")

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)

			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, shown as the lease holder label")
	cmd.Flags().StringVar(&role, "role", auth.RoleNameViewer, "Role: operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}
