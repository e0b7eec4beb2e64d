package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0D1nn8502/ReadThatPDF/internal/cliutil"
	"github.com/0D1nn8502/ReadThatPDF/services/dispatcher/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "dispatcher",
	Short:        "ReadThat dispatcher: claims due delivery windows and enqueues them",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/dispatcher/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(cliutil.InitConfig("dispatcher", &cfgFile))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./dispatcher.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug | info | warn | error")
	cliutil.BindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cliutil.NewInitCmd("dispatcher", defaultDispatcherYAML, &cfgFile))
	rootCmd.AddCommand(cliutil.NewVersionCmd("dispatcher"))
	rootCmd.AddCommand(cliutil.NewConfigCmd(func() any { return config.Load(viper.GetViper()) }))
}
