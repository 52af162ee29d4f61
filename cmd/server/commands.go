package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sdko-org/scanperf/internal/app"
	"github.com/sdko-org/scanperf/internal/cache"
	"github.com/sdko-org/scanperf/internal/config"
	"github.com/sdko-org/scanperf/internal/handlers"
	"github.com/sdko-org/scanperf/internal/httpserver"
	"github.com/sdko-org/scanperf/internal/scheduler"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const allGroups = "all"

type cli struct {
	logger *logrus.Logger
	cfg    *config.Config
}

func newRootCmd(logger *logrus.Logger, cfg *config.Config) *cobra.Command {
	c := &cli{logger: logger, cfg: cfg}

	root := &cobra.Command{
		Use:           "scanperf",
		Short:         "Scan performance core: tiered cache, memory manager and batch scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(c.newServeCmd(), c.newScanCmd(), c.newFlushCmd(), c.newStatsCmd())
	return root
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	return app.New(ctx, c.logger, c.cfg, app.Options{})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API and the background cache purger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(ctx)

			limiter := handlers.NewRateLimiter(c.cfg.RateLimit, c.cfg.RateLimitWindow)
			go limiter.Run(ctx)

			r := mux.NewRouter()
			r.Use(handlers.LoggingMiddleware(c.logger, a.DB))
			r.Use(limiter.Middleware)
			handlers.RegisterRoutes(r, handlers.NewOpsHandler(c.logger, a))

			return httpserver.Run(ctx, c.logger, r, c.cfg.HTTPAddr, c.cfg.HTTPSAddr)
		},
	}
}

func (c *cli) newScanCmd() *cobra.Command {
	var (
		opts     scheduler.Options
		asReport bool
	)
	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Scan every file under root and print the merged result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			descs, err := a.Describe(args[0])
			if err != nil {
				return err
			}
			if len(opts.DeniedExtensions) == 0 {
				opts.DeniedExtensions = c.cfg.DeniedExtensions
			}
			if len(opts.ExcludedDirs) == 0 {
				opts.ExcludedDirs = c.cfg.ExcludedDirs
			}

			res, scanErr := a.RunScan(ctx, descs, opts)
			if !asReport {
				res.Results = nil
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return scanErr
		},
	}
	cmd.Flags().StringSliceVar(&opts.AllowedExtensions, "ext", nil, "Only scan files with these extensions")
	cmd.Flags().StringSliceVar(&opts.DeniedExtensions, "deny-ext", nil, "Skip files with these extensions (defaults to SCAN_DENIED_EXTENSIONS)")
	cmd.Flags().StringSliceVar(&opts.ExcludedDirs, "exclude-dir", nil, "Skip files under directories with these names (defaults to SCAN_EXCLUDED_DIRS)")
	cmd.Flags().StringSliceVar(&opts.ExcludePatterns, "exclude", nil, "Skip paths matching these regular expressions")
	cmd.Flags().Int64Var(&opts.MaxFileSize, "max-size", 0, "Skip files larger than this many bytes (0 disables)")
	cmd.Flags().IntVar(&opts.BatchSizeHint, "batch-size", 0, "Preferred batch size before resource adjustment")
	cmd.Flags().StringSliceVar(&opts.Categories, "category", nil, "Enabled scan categories")
	cmd.Flags().IntVar(&opts.Depth, "depth", 0, "Scan depth")
	cmd.Flags().BoolVar(&asReport, "report", false, "Include per-file results in the output")
	return cmd
}

func (c *cli) newFlushCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Invalidate one cache group, or every group with --group all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if group != allGroups && !cache.KnownGroup(group) {
				return fmt.Errorf("unknown cache group %q", group)
			}

			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if group == allGroups {
				err = a.Cache.FlushAll(ctx)
			} else {
				err = a.FlushGroup(ctx, group)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flushed %s\n", group)
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Cache group: "+strings.Join([]string{
		cache.GroupScanResults, cache.GroupDBQueries, cache.GroupVulnerabilityData,
		cache.GroupConfiguration, cache.GroupFileHashes, allGroups,
	}, ", "))
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func (c *cli) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache, memory and query statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if summary, ok := a.Scheduler.LastSummary(cmd.Context()); ok {
				return printJSON(cmd, struct {
					app.Snapshot
					LastScan any `json:"last_scan"`
				}{a.Snapshot(), summary})
			}
			return printJSON(cmd, a.Snapshot())
		},
	}
}
