package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deusflow/boroughnews/internal/app"
	"github.com/deusflow/boroughnews/internal/classifier"
	"github.com/deusflow/boroughnews/internal/config"
	"github.com/deusflow/boroughnews/internal/export"
	"github.com/deusflow/boroughnews/internal/logger"
	"github.com/deusflow/boroughnews/internal/metrics"
	"github.com/deusflow/boroughnews/internal/stats"
)

type rootOptions struct {
	configFile string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "boroughnews",
		Short: "Ingest, classify and export London borough news",
		Long: `boroughnews reads London news feeds, skips links it has already stored this
month, classifies each new article by borough, sentiment and topic, and writes
the results to the article tables.

Configuration hierarchy (highest to lowest priority):
1. Environment variables
2. Config file (--config or CONFIG_FILE)
3. Defaults`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			logger.Init(cfg.LogLevel)
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newIngestCmd(opts), newExportCmd(opts), newStatsCmd(opts))
	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingestion pipeline once, or periodically with --every",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			if cfg.EnableHTTPMonitoring {
				go func() {
					if err := metrics.Serve(ctx, ":"+cfg.MonitoringPort, metrics.Global, logger.Logger); err != nil {
						logger.Logger.Error("monitoring server error", "error", err)
					}
				}()
			}

			a := app.New(cfg, logger.Logger, metrics.Global)
			in, err := a.NewIngester(ctx)
			if err != nil {
				return err
			}
			defer in.Close()

			if every > 0 {
				return in.RunEvery(ctx, every)
			}
			report, err := in.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d articles (%d failed) in %s\n",
				report.Ingested(), report.Failed(), report.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the run at this interval until interrupted (e.g. 30m)")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the recent articles snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if days > 0 {
				cfg.ExportDays = days
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			path, n, err := app.New(cfg, logger.Logger, metrics.Global).Export(ctx, cfg.ExportDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d articles to %s\n", n, path)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "recency window in days (default: EXPORT_DAYS)")
	return cmd
}

type boroughStats struct {
	AverageSentiment map[string]*float64       `json:"average_sentiment"`
	TopicCounts      map[string]map[string]int `json:"topic_counts"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		snapshot string
		boroughs []string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-borough sentiment and topic counts from a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshot == "" {
				snapshot = filepath.Join(opts.cfg.ExportDir, export.FileName(opts.cfg.ExportDays))
			}
			selected := classifier.Boroughs
			if len(boroughs) > 0 {
				selected = make([]string, 0, len(boroughs))
				for _, b := range boroughs {
					name, ok := classifier.CanonicalBorough(b)
					if !ok {
						return fmt.Errorf("unknown borough %q", b)
					}
					selected = append(selected, name)
				}
			}

			items, err := stats.LoadSnapshot(snapshot)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(boroughStats{
				AverageSentiment: stats.AverageSentiment(items, selected),
				TopicCounts:      stats.TopicCounts(items, selected),
			})
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot file (default: EXPORT_DIR/news_{EXPORT_DAYS}days.json)")
	cmd.Flags().StringSliceVar(&boroughs, "borough", nil, "borough to report, repeatable (default: all)")
	return cmd
}
