package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"TradeCollector/internal/app"
	"TradeCollector/internal/config"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "tradecollector",
	Short:         "Collect trade, regulatory and market data on a daily schedule",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tradecollector %s (%s)\n", Version, Commit))

	runsCmd.Flags().Int("limit", 10, "number of runs to show")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(resetCountersCmd)
}

// withApp loads configuration, builds the application and closes it after fn.
func withApp(ctx context.Context, fn func(context.Context, *app.Application) error) error {
	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()
	return fn(ctx, application)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withApp(ctx, func(ctx context.Context, a *app.Application) error {
			return a.Serve(ctx)
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one full pipeline run now and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			run, err := a.RunPipeline(ctx, domain.TriggerCLI)
			if run != nil {
				fmt.Fprint(cmd.OutOrStdout(), run.Summary())
			}
			return err
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <source>",
	Short: "Run a single source agent now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			res, err := a.Refresh(ctx, args[0])
			if err != nil {
				return fmt.Errorf("%w (registered: %v)", err, a.Sources())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d fetched, %d persisted, %d api calls\n",
				res.Source, res.Status, res.RecordsFetched, res.RecordsPersisted, res.APICalls)
			return res.Err
		})
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show source health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			health, err := a.SourceHealth(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tSTATUS\tLAST SUCCESS\tRECORDS\tCALLS\tLAST ERROR")
			for _, h := range health {
				last := "-"
				if h.LastSuccessfulFetch != nil {
					last = h.LastSuccessfulFetch.Format(time.RFC3339)
				}
				msg := ""
				if h.LastErrorMessage != nil {
					msg = *h.LastErrorMessage
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					h.SourceName, h.Status, last, h.RecordsFetchedToday, h.APICallsToday, msg)
			}
			return w.Flush()
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			runs, err := a.Runs(ctx, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.TriggeredBy, r.Status, r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Second))
			}
			return w.Flush()
		})
	},
}

var resetCountersCmd = &cobra.Command{
	Use:   "reset-counters",
	Short: "Zero every source's daily counters now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.Application) error {
			n, err := a.ResetCounters(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset counters for %d sources\n", n)
			return nil
		})
	},
}
