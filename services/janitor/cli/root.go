package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	"github.com/0D1nn8502/ReadThatPDF/services/janitor/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "janitor",
	Short:        "ReadThat janitor: reclaims expired schedules and recovers stuck claims",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/janitor/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(cliutil.InitConfig("janitor", &cfgFile))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./janitor.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd("janitor", defaultJanitorYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd("janitor"))
	rootCmd.AddCommand(cliutil.NewConfigCmd(func() any { return config.Load(viper.GetViper()) }))
}
