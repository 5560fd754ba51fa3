package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bugwatch/internal/app"
)

// newRunCommand creates "run": loop mode until SIGINT/SIGTERM.
func newRunCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Check for changes on a schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, true, func(a *app.App) error {
				return a.Run(cmd.Context())
			})
		},
	}
}

// newOnceCommand creates "once": a single cycle, then exit.
func newOnceCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single check cycle and exit",
		Long: "Run a single check cycle and exit. Delivery failures are reported but do not " +
			"fail the command; a tracker that cannot be reached does.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, true, func(a *app.App) error {
				rep, err := a.Once(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(),
					"cycle %s: fetched %d, new %d, changed %d, sent %d, failed %d (%s)\n",
					rep.CycleID, rep.Fetched, rep.New, rep.Changed, rep.Sent, rep.Failed, rep.Duration.Round(time.Millisecond))
				return err
			})
		},
	}
}

// newDigestCommand creates "digest": post the full bug list once.
func newDigestCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "digest",
		Short: "Post the full list of matching bugs to the chat channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, true, func(a *app.App) error {
				n, err := a.Digest(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "digest: %d bug(s) posted\n", n)
				return err
			})
		},
	}
}

// newListCommand creates "list": print the per-role report without notifying.
func newListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print matching bugs grouped by role and product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, false, func(a *app.App) error {
				return a.List(cmd.Context(), cmd.OutOrStdout())
			})
		},
	}
}

// newResetCommand creates "reset": forget every known bug.
func newResetCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the stored snapshot so the next cycle announces every bug again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("reset re-announces every matching bug on the next cycle; pass --yes to confirm")
			}
			return withApp(opts, false, func(a *app.App) error {
				return a.Reset(cmd.Context())
			})
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm the reset")
	return cmd
}
