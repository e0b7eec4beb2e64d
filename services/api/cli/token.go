package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0D1nn8502/ReadThatPDF/services/api/middleware"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token for the /admin routes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tok, err := middleware.MintAdminToken(viper.GetString("admin_jwt_secret"), tokenTTL, time.Now())
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}
