package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lexassist/lexchat-web/internal/upstream"
	"github.com/spf13/cobra"
)

// NewTokenCmd creates the token command, which signs a bearer token accepted by a devapi running
// with the same secret.
func NewTokenCmd() *cobra.Command {
	var (
		secret string
		userID int64
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token",
		Example: `  lexchat token --user 7 --ttl 24h
  export LEXCHAT_TOKEN=$(lexchat token --user 7)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret or LEXCHAT_JWT_SECRET is required")
			}
			if userID <= 0 {
				return errors.New("--user must be a positive id")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			token, err := upstream.NewTokenVerifier(secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("LEXCHAT_JWT_SECRET"), "Signing secret of the devapi")
	cmd.Flags().Int64Var(&userID, "user", 0, "User id the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")

	return cmd
}
