package main

import (
	"fmt"

	"github.com/crossledger/settlement/internal/auth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint an ops API token carrying the role configured for <subject>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		subject := args[0]
		role := cfg.RoleOf(subject)
		if role == "" {
			return fmt.Errorf("%q is not listed in VIEWER_SUBJECTS, OPERATOR_SUBJECTS or ADMIN_SUBJECTS, the API would reject it", subject)
		}

		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.JWTExpiration
		}
		tok, err := auth.GenerateJWT(cfg.JWTSecret, subject, role, ttl)
		if err != nil {
			return err
		}
		log.Debug("token minted", zap.String("subject", subject), zap.String("role", role), zap.Duration("ttl", ttl))
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default JWT_EXPIRATION_HOURS)")
	rootCmd.AddCommand(tokenCmd)
}
