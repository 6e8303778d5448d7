// Command anacsync drives the crawl/scan/plan/download/sort/report pipeline
// against Italy's ANAC open-data portal, per SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/APTlantis/anacsync/internal/catalog"
	"github.com/APTlantis/anacsync/internal/config"
	"github.com/APTlantis/anacsync/internal/crawler"
	"github.com/APTlantis/anacsync/internal/fetchengine"
	"github.com/APTlantis/anacsync/internal/httpx"
	"github.com/APTlantis/anacsync/internal/inventory"
	"github.com/APTlantis/anacsync/internal/metrics"
	"github.com/APTlantis/anacsync/internal/model"
	"github.com/APTlantis/anacsync/internal/planner"
	"github.com/APTlantis/anacsync/internal/sorter"
	"github.com/APTlantis/anacsync/internal/state"
)

var (
	flagConfigPath string
	flagRootDir    string
	flagStateDir   string
	flagBaseURL    string
	flagLogFormat  string
	flagLogLevel   string
	flagListen     string
)

func main() {
	root := &cobra.Command{
		Use:   "anacsync",
		Short: "Resumable crawler, planner, downloader and sorter for dati.anticorruzione.it",
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to a JSON config file (defaults applied for anything it omits)")
	root.PersistentFlags().StringVar(&flagRootDir, "root-dir", "", "Override config root_dir")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "Override config state_dir")
	root.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "Override config base_url")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Logging format: text|json")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Logging level: debug|info|warn|error")
	root.PersistentFlags().StringVar(&flagListen, "listen", "", "Serve Prometheus metrics and pprof at this address (e.g. :9090)")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogging(flagLogFormat, flagLogLevel)
		if flagListen != "" {
			go func() {
				if err := metrics.Serve(flagListen); err != nil {
					slog.Error("metrics server stopped", "err", err)
				}
			}()
		}
	}

	root.AddCommand(
		newCrawlCmd(),
		newScanCmd(),
		newPlanCmd(),
		newDownloadCmd(),
		newSortCmd(),
		newReportCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func setupLogging(format, level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error", "err":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}
	if flagRootDir != "" {
		cfg.RootDir = flagRootDir
	}
	if flagStateDir != "" {
		cfg.StateDir = flagStateDir
	}
	if flagBaseURL != "" {
		cfg.BaseURL = flagBaseURL
	}
	if err := config.EnsureStateDirs(cfg.StateDir); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func localFilesPath(cfg config.Config) string {
	return filepath.Join(cfg.StateDir, "local", "files.jsonl")
}

func historyPath(cfg config.Config) string {
	return filepath.Join(cfg.StateDir, "downloads", "history.jsonl")
}

func newTransport(cfg config.Config) *httpx.Transport {
	opts := httpx.DefaultOptions()
	opts.RateLimitRPS = cfg.Downloader.RateLimitRPS
	opts.HTTP2 = cfg.HTTP.HTTP2
	opts.ConnectTimeout = durationSeconds(cfg.HTTP.TimeoutConnectS, opts.ConnectTimeout)
	opts.ReadTimeout = durationSeconds(cfg.HTTP.TimeoutReadS, opts.ReadTimeout)
	opts.Headers = make(map[string]string, len(cfg.HTTP.Headers))
	for k, v := range cfg.HTTP.Headers {
		opts.Headers[k] = v
	}
	return httpx.New(opts)
}

func durationSeconds(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the dataset listing and resource pages, updating the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cfg.StateDir)
			if err != nil {
				return err
			}
			t := newTransport(cfg)
			c := crawler.New(cfg.BaseURL, cfg.Crawler, t)
			ctx, cancel := signalContext()
			defer cancel()
			stats, err := c.CrawlAll(ctx, cat)
			if err != nil {
				return err
			}
			if err := cat.Flush(); err != nil {
				return err
			}
			slog.Info("crawl complete", "pages", stats.PagesFetched, "datasets", stats.DatasetsSeen,
				"resources", stats.ResourcesSeen, "updated", stats.DatasetsUpdated, "errors", stats.Errors)
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rebuild the local file inventory by walking root_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cfg.StateDir)
			if err != nil {
				return err
			}
			table, err := state.NewTable[model.LocalFile](localFilesPath(cfg))
			if err != nil {
				return err
			}
			scanner := inventory.New(cfg.RootDir, table, inventory.DefaultExtensions, cat)
			stats, err := scanner.ScanLocal()
			if err != nil {
				return err
			}
			slog.Info("scan complete", "scanned", stats.FilesScanned, "found", stats.FilesFound,
				"new", stats.FilesNew, "updated", stats.FilesUpdated, "removed", stats.FilesRemoved)
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	var onlyMissing bool
	var slugFilter string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Diff the catalog against the local inventory and write a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cfg.StateDir)
			if err != nil {
				return err
			}
			localTable, err := state.NewTable[model.LocalFile](localFilesPath(cfg))
			if err != nil {
				return err
			}
			locals, err := localTable.ReadAll()
			if err != nil {
				return err
			}
			items := planner.MakePlan(cat.AllResources(), locals, planner.Options{
				RootDir:     cfg.RootDir,
				OnlyMissing: onlyMissing,
				FilterSlug:  slugFilter,
			})
			path, err := planner.SavePlan(cfg.StateDir, items, time.Now().UTC().Format("20060102-150405"))
			if err != nil {
				return err
			}
			metrics.Register()
			metrics.PlanItems.Set(float64(len(items)))
			summary := planner.GetSummary(items)
			slog.Info("plan written", "path", path, "total", summary.Total, "total_size", summary.TotalSize,
				"by_reason", fmt.Sprintf("%v", summary.ByReason))
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyMissing, "only-missing", false, "Only include items whose reason is 'missing'")
	cmd.Flags().StringVar(&slugFilter, "slug", "", "Only include items whose dataset_slug contains this substring")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Execute the most recently generated plan through the strategy cascade",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, path, err := planner.LoadLatestPlan(cfg.StateDir)
			if err != nil {
				return err
			}
			history, err := state.NewTable[model.DownloadHistory](historyPath(cfg))
			if err != nil {
				return err
			}
			t := newTransport(cfg)
			mgr := fetchengine.New(t, cfg.Downloader, history)
			ctx, cancel := signalContext()
			defer cancel()
			stats, err := mgr.RunPlan(ctx, items)
			if err != nil {
				return err
			}
			slog.Info("download complete", "plan", path, "total", stats.Total, "succeeded", stats.Succeeded,
				"failed", stats.Failed, "bytes", stats.TotalBytes, "by_strategy", fmt.Sprintf("%v", stats.ByStrategy))
			if stats.Failed > 0 {
				for _, e := range stats.Errors {
					slog.Warn("download failed", "detail", e)
				}
			}
			return nil
		},
	}
}

func newSortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sort",
		Short: "Apply the configured sorting rules to root_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			invTable, err := state.NewTable[model.LocalFile](localFilesPath(cfg))
			if err != nil {
				return err
			}
			s, err := sorter.New(cfg.RootDir, cfg.Sorting.Rules, invTable)
			if err != nil {
				return err
			}
			stats, err := s.SortAll()
			if err != nil {
				return err
			}
			slog.Info("sort complete", "processed", stats.Processed, "moved", stats.Moved,
				"already_sorted", stats.AlreadySorted, "failed", stats.Failed, "unsorted", stats.Unsorted)
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var showUnsorted bool
	var showOrphans bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print inventory and plan summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			invTable, err := state.NewTable[model.LocalFile](localFilesPath(cfg))
			if err != nil {
				return err
			}
			if showOrphans {
				orphans, err := inventory.OrphanedFiles(invTable)
				if err != nil {
					return err
				}
				for _, f := range orphans {
					fmt.Println(f.Path)
				}
				return nil
			}
			if showUnsorted {
				s, err := sorter.New(cfg.RootDir, cfg.Sorting.Rules, invTable)
				if err != nil {
					return err
				}
				files, err := s.GetUnsortedFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			}
			items, path, err := planner.LoadLatestPlan(cfg.StateDir)
			if err != nil {
				return err
			}
			summary := planner.GetSummary(items)
			fmt.Printf("plan: %s\n", path)
			fmt.Printf("total: %d\n", summary.Total)
			fmt.Printf("total_size: %d\n", summary.TotalSize)
			for reason, count := range summary.ByReason {
				fmt.Printf("  %s: %d\n", reason, count)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showUnsorted, "unsorted", false, "List files that no sorting rule matches")
	cmd.Flags().BoolVar(&showOrphans, "orphans", false, "List local files with no reconciled dataset slug")
	return cmd
}
