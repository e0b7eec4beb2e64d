// Package cliutil holds the cobra/viper plumbing shared by every service binary.
package cliutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/0D1nn8502/ReadThatPDF/internal/version"
)

// ConfigDir is the per-user directory config files are read from and written to.
const ConfigDir = ".readthat"

// BuildLogger returns a JSON logger at level tagged with the service name.
func BuildLogger(level, service string) *slog.Logger {
	return NewLogger(os.Stdout, level, service)
}

// NewLogger is BuildLogger writing to w.
func NewLogger(w io.Writer, level, service string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).
		With(slog.String("service", service))
}

// BindFlag binds a flag to a viper key. A missing flag is a programming error.
func BindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

// InitConfig returns the cobra.OnInitialize hook of a service: it reads
// *cfgFile, or <service>.yaml from the working directory, ~/.readthat or
// /etc/readthat, and layers environment variables on top.
func InitConfig(service string, cfgFile *string) func() {
	return func() {
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.SetConfigName(service)
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			viper.AddConfigPath(filepath.Join(home, ConfigDir))
			viper.AddConfigPath("/etc/readthat")
		}

		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err != nil {
			_, notFound := err.(viper.ConfigFileNotFoundError)
			if !notFound && !os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "error reading config file:", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintln(os.Stderr, "config:", viper.ConfigFileUsed())
		}
	}
}

// NewInitCmd returns the `init` command writing defaultYAML for service.
func NewInitCmd(service, defaultYAML string, cfgFile *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/%s/%s.yaml.
Fails if the file already exists unless --force is passed.`, service, ConfigDir, service),
		RunE: func(cmd *cobra.Command, _ []string) error {
			dest := *cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ConfigDir, service+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}

// NewVersionCmd returns the `version` command.
func NewVersionCmd(service string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get(service)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", info.Service, info.Version)
			fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
		},
	}
}

// NewConfigCmd returns the `config` command printing the effective settings.
// load is called at run time, after flags and the config file were applied.
// Keys listed in secret are masked.
func NewConfigCmd(load func() any, secret ...string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return WriteYAML(cmd.OutOrStdout(), load(), secret...)
		},
	}
}

// WriteYAML encodes cfg to w, replacing the value of every key in secret
// that is set with "********".
func WriteYAML(w io.Writer, cfg any, secret ...string) error {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	mask(&node, secret)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return enc.Close()
}

func mask(n *yaml.Node, secret []string) {
	if n.Kind != yaml.MappingNode {
		for _, c := range n.Content {
			mask(c, secret)
		}
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		for _, s := range secret {
			if key.Value == s && val.Value != "" {
				val.Value = "********"
				val.Tag = "!!str"
				val.Style = yaml.DoubleQuotedStyle
			}
		}
		mask(val, secret)
	}
}

// SplitList splits a comma-separated setting, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
