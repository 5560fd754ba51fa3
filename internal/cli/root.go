// Package cli defines the bugwatch command-line interface.
package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"bugwatch/internal/app"
	"bugwatch/internal/config"
)

const defaultEnvFile = ".env"

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string

	// getenv replaces os.LookupEnv in tests.
	getenv func(string) (string, bool)
}

// Execute builds the root command, runs it with args and returns any error.
// Map the error to a process status with ExitCode.
func Execute(ctx context.Context, args []string) error {
	cmd := newRootCommand(&Options{EnvFile: defaultEnvFile})
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// ExitCode is 0 on success, 2 for configuration errors and 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case config.IsError(err):
		return 2
	default:
		return 1
	}
}

func newRootCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bugwatch",
		Short: "bugwatch posts Bugzilla changes to a chat channel",
		Long: "bugwatch polls a Bugzilla instance, detects new bugs and status changes " +
			"against a persisted snapshot, and notifies a chat webhook once per change.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to an optional YAML/JSON configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", opts.EnvFile, "Path to the .env file (missing file is ignored)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(opts),
		newOnceCommand(opts),
		newDigestCommand(opts),
		newListCommand(opts),
		newResetCommand(opts),
	)
	return cmd
}

// openApp builds the application for one command invocation.
func openApp(opts *Options, notify bool) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath: opts.ConfigPath,
		EnvFile:    opts.EnvFile,
		LogLevel:   opts.LogLevel,
		Notify:     notify,
		Getenv:     opts.getenv,
	})
}

// withApp opens the app, runs fn and closes the app.
func withApp(opts *Options, notify bool, fn func(a *app.App) error) (err error) {
	a, err := openApp(opts, notify)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()
	return fn(a)
}
