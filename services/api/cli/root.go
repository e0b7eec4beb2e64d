package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	"github.com/0D1nn8502/ReadThatPDF/services/api/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "api",
	Short:        "ReadThat API: document submission, schedule queries and operations",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/api/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(cliutil.InitConfig("api", &cfgFile))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./api.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL DSN of the batch audit log; empty disables history")
	rootCmd.PersistentFlags().String("admin-jwt-secret", "", "HS256 secret of admin tokens; empty leaves /admin open")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")
	cliutil.BindFlag("postgres_dsn", rootCmd.PersistentFlags(), "postgres-dsn")
	cliutil.BindFlag("admin_jwt_secret", rootCmd.PersistentFlags(), "admin-jwt-secret")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd("api", defaultAPIYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd("api"))
	rootCmd.AddCommand(cliutil.NewConfigCmd(func() any { return config.Load(viper.GetViper()) }, config.Secrets...))
}
