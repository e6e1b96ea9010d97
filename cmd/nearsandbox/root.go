package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/p-arndt/nearsandbox/internal/config"
	"github.com/p-arndt/nearsandbox/internal/homedir"
	"github.com/p-arndt/nearsandbox/internal/launcher"
	"github.com/p-arndt/nearsandbox/internal/portlock"
	"github.com/p-arndt/nearsandbox/internal/sandbox"
	"github.com/p-arndt/nearsandbox/internal/store"
)

var (
	cfgPath  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nearsandbox",
	Short: "Run and supervise local NEAR sandbox nodes",
	Long: `nearsandbox starts near-sandbox nodes on freshly reserved ports, attaches to
nodes started elsewhere, and cleans up nodes whose owner went away.

Set NEAR_ENABLE_SANDBOX_LOG=1 to see the node's own logs in <home>/node.log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		logger, err = newLogger(level)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to nearsandbox.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// newLogger backs slog with a charmbracelet logger on stderr.
func newLogger(rawLevel string) (*slog.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}

func openStore(c *config.Config) (*store.Store, error) {
	st, err := store.New(c.DBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open node registry %s: %w", c.DBPath, err)
	}
	return st, nil
}

// sandboxOptions turns the loaded config into spawn options.
func sandboxOptions(c *config.Config, reg sandbox.Registry, l *slog.Logger) (sandbox.Options, error) {
	runArgs, err := c.RunArgv()
	if err != nil {
		return sandbox.Options{}, err
	}
	payload, err := c.JSONPayloadMaxBytes()
	if err != nil {
		return sandbox.Options{}, err
	}

	ports := portlock.Default()
	if c.LockDir != "" {
		ports.Dir = c.LockDir
	}
	ports.Logger = l

	return sandbox.Options{
		Launcher: launcher.New(c.BinaryPath, runArgs, l),
		Ports:    ports,
		Env:      sandbox.OSEnvironment{},
		Patch: &homedir.Patch{
			JSONPayloadMaxBytes: payload,
			MaxOpenFiles:        c.Node.MaxOpenFiles,
			Overrides:           c.Node.Overrides,
		},
		HomeBaseDir: c.HomeBaseDir,
		Registry:    reg,
		Logger:      l,
	}, nil
}
