package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X descfetch/internal/app.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand builds the descfetch command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "descfetch",
		Short: "Fetch DIAL/UPnP device descriptions with retries",
		Long: `descfetch downloads device description documents from DIAL devices,
retrying failed fetches with exponential backoff. It serves campaigns over
HTTP and Telegram and refreshes watched devices on a cron schedule.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand(), fetchCommand(), migrateCommand(), versionCommand())
	return root
}

// withApp loads the App, runs fn with a context cancelled on SIGINT/SIGTERM
// and closes the App afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	a, err := New()
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func fetchCommand() *cobra.Command {
	var attempts int
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one device description and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				if attempts > 0 {
					a.cfg.Fetch.MaxAttempts = attempts
				}
				return a.Fetch(ctx, args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().IntVar(&attempts, "attempts", 0, "override FETCH_MAX_ATTEMPTS")
	return cmd
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Migrate(ctx)
			})
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "descfetch %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}
