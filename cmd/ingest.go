package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASH1998/LumiBox/config"
	"github.com/ASH1998/LumiBox/filter"
	"github.com/ASH1998/LumiBox/mbox"
	"github.com/ASH1998/LumiBox/preview"
	"github.com/ASH1998/LumiBox/progress"
	"github.com/ASH1998/LumiBox/runner"
	"github.com/ASH1998/LumiBox/stats"
	"github.com/ASH1998/LumiBox/store"
)

var ErrNoFileProcessed = errors.New("no mbox file could be processed")

func newIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [mbox file or directory]",
		Short: "Parse mbox files and store their emails in PostgreSQL",
		Long: `Parse a Gmail mbox export, or every .mbox file of a directory, and upsert
the emails into the namespace's tables. Database credentials come from DB_HOST,
DB_PORT, DB_NAME, DB_USER and DB_PASSWORD, or DATABASE_URL.`,
		Example: `  lumibox ingest ~/Takeout/Mail/All\ mail.mbox
  lumibox ingest ./exports --start-date 2024-01-01 --end-date 2024-06-30
  lumibox ingest inbox.mbox --sample`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.LoadIngestOptions(cmd, args)
			if err != nil {
				return err
			}

			doc, err := loadDocument(commonFlags{configPath: opts.ConfigPath, envFile: opts.EnvFile})
			if err != nil {
				return err
			}
			if err := opts.ResolveNamespace(); err != nil {
				return err
			}

			logger, cleanup, err := newLogger(doc, opts.LogLevel, opts.LogDir, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
				_ = cleanup()
			}()

			logger.Info("starting lumibox",
				zap.String("mbox", opts.MboxPath),
				zap.String("namespace", opts.Namespace),
				zap.String("dates", opts.DateRange.String()),
				zap.Bool("sample", opts.Sample),
				zap.Bool("dryRun", opts.DryRun))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runIngest(ctx, ingestEnv{
				opts:   opts,
				doc:    doc,
				logger: logger,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
			})
		},
	}

	if err := config.RegisterIngestFlags(cmd); err != nil {
		panic(fmt.Sprintf("register ingest flags: %v", err))
	}
	return cmd
}

type ingestEnv struct {
	opts   config.IngestOptions
	doc    *config.Document
	logger *zap.Logger
	out    io.Writer
	errOut io.Writer
}

func runIngest(ctx context.Context, env ingestEnv) error {
	opts, logger := env.opts, env.logger

	paths, err := mbox.ResolvePaths(opts.MboxPath)
	if err != nil {
		return err
	}
	logger.Info("found mbox files", zap.Int("count", len(paths)))

	f, err := filter.New(opts.Filter())
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	r, err := runner.New(ctx, runner.Options{
		BatchSize: env.doc.Processing.BatchSize,
		DateRange: opts.DateRange,
		StateDir:  opts.StateDir,
		Namespace: opts.Namespace,
		Persist:   opts.Persist(),
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	// Start closes the tracker; this covers returns before it runs.
	defer func() { _ = r.Tracker().Close() }()
	reporter := stats.NewReporter(r, logger)

	if opts.MetricsAddr != "" {
		shutdown, err := serveMetrics(opts.MetricsAddr, r, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	var bar *progress.Reporter
	if !opts.NoProgress && !opts.Sample {
		total, err := mbox.CountMessages(paths...)
		if err != nil {
			logger.Warn("could not count messages, progress bar disabled", zap.Error(err))
		}
		level := config.ResolveLogLevel(opts.LogLevel)
		bar = progress.NewReporter(r, progress.New(env.errOut, total, r.Tracker().Snapshot().Processed, level), env.errOut)
	}

	if _, err := mbox.NewProducer(mbox.Options{Paths: paths, Filter: f}, r, logger); err != nil {
		return fmt.Errorf("mbox.NewProducer: %w", err)
	}

	var printer *preview.Printer
	switch {
	case opts.Sample:
		printer = preview.NewPrinter(env.out, opts.SampleSize)
		r.SetSink(printer)
	case opts.DryRun:
		r.SetSink(preview.NewPrinter(env.out, 0))
	default:
		pool, err := openStore(ctx, env, r)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	runErr := r.Start()

	if bar != nil {
		bar.Print()
	}
	summary := reporter.Summary()
	if printer != nil {
		printer.PrintSummary(summary)
	}
	if f.Active() {
		logFilterStats(logger, f.GetStats())
	}

	if runErr != nil {
		return runErr
	}
	if summary.TotalFiles > 0 && summary.ProcessedFiles == 0 {
		return ErrNoFileProcessed
	}
	return nil
}

type closer interface{ Close() }

// openStore connects, creates the tables and installs the store as the
// runner's sink.
func openStore(ctx context.Context, env ingestEnv, r *runner.Runner) (closer, error) {
	settings, err := config.DatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	pool, err := store.Open(ctx, settings, env.doc.Database.ConnectionPool, env.logger)
	if err != nil {
		return nil, err
	}

	st, err := store.New(pool, env.doc, env.opts.Namespace, env.logger,
		store.WithRetryHook(func(attempt int, delay time.Duration, err error) {
			env.logger.Warn("retrying batch",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeBatchRetry, Err: err})
		}))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	r.SetSink(st)
	return pool, nil
}

// serveMetrics exposes the run's counters on addr until the returned func is
// called.
func serveMetrics(addr string, r *runner.Runner, logger *zap.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := stats.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	r.SubscribeStats("metrics", metrics.Subscriber)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}, nil
}

func logFilterStats(logger *zap.Logger, s filter.Stats) {
	groups := []struct {
		name     string
		patterns []string
		hits     map[string]int
	}{
		{"includeHeader", s.IncludeHeaderPatterns, s.IncludeHeaderHits},
		{"includeBody", s.IncludeBodyPatterns, s.IncludeBodyHits},
		{"excludeHeader", s.ExcludeHeaderPatterns, s.ExcludeHeaderHits},
		{"excludeBody", s.ExcludeBodyPatterns, s.ExcludeBodyHits},
	}
	for _, g := range groups {
		for _, p := range g.patterns {
			logger.Info("filter hits", zap.String("filter", g.name), zap.String("pattern", p), zap.Int("hits", g.hits[p]))
		}
	}
}
