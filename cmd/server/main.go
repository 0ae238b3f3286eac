package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shehryarbajwa/cookie-sandbox/internal/config"
	"github.com/shehryarbajwa/cookie-sandbox/internal/logging"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Cookie sandbox: provision isolated browsers, sign them in and harvest their cookies",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	g.register(root.PersistentFlags())
	root.AddCommand(newServeCmd(g), newRunCmd(g))
	return root
}

func (g *globalFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&g.logFormat, "log-format", "", "log format override (text, json)")
}

// setup loads the configuration and builds the process logger
func (g *globalFlags) setup(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}

	log, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}
