package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jianxcao/watch-docker/internal/config"
)

// app carries state shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "watchdash",
		Short:         "Follow containers and stats of a watch-docker server",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `  watchdash watch --config configs/watchdash.yaml
  watchdash containers --server https://docker.example.com --token-file ~/.watchdash/token
  WATCHDASH_TOKEN=secret watchdash stream --count 5`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("server", "", "server base URL (overrides server.url)")
	flags.String("token", "", "bearer token (overrides auth.token)")
	flags.String("token-file", "", "file holding the bearer token, reloaded when it changes")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	for _, name := range []string{"config", "server", "token", "token-file", "log-level", "log-format"} {
		a.bindFlag(flags, name)
	}

	a.v.SetEnvPrefix("WATCHDASH")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	cmd.AddCommand(newWatchCommand(a))
	cmd.AddCommand(newContainersCommand(a))
	cmd.AddCommand(newStreamCommand(a))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (a *app) bindFlag(flags *pflag.FlagSet, name string) {
	flag := flags.Lookup(name)
	if flag == nil {
		panic(fmt.Sprintf("flag %q not found", name))
	}
	if err := a.v.BindPFlag(name, flag); err != nil {
		panic(err)
	}
}

// loadConfig reads the config file, if any, then applies flag and
// environment overrides and validates the result.
func (a *app) loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if a.v.IsSet("server") {
		cfg.Server.URL = a.v.GetString("server")
	}
	if a.v.IsSet("token") {
		cfg.Auth.Token = a.v.GetString("token")
		cfg.Auth.TokenFile = ""
	}
	if a.v.IsSet("token-file") {
		cfg.Auth.TokenFile = a.v.GetString("token-file")
		cfg.Auth.Token = ""
	}
	if a.v.IsSet("log-level") {
		cfg.Logging.Level = a.v.GetString("log-level")
	}
	if a.v.IsSet("log-format") {
		cfg.Logging.Format = a.v.GetString("log-format")
	}
	if a.v.IsSet("poll") {
		cfg.Poller.Enabled = a.v.GetBool("poll")
	}
	if a.v.IsSet("metrics-port") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = a.v.GetInt("metrics-port")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Levels and formats are validated
// by config.Validate; anything unknown falls back to info and text.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("app", "watchdash")
}
