package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/deusflow/boroughnews/internal/cache"
	"github.com/deusflow/boroughnews/internal/classifier"
	"github.com/deusflow/boroughnews/internal/config"
	"github.com/deusflow/boroughnews/internal/export"
	"github.com/deusflow/boroughnews/internal/ingest"
	"github.com/deusflow/boroughnews/internal/metrics"
	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/ratelimit"
	"github.com/deusflow/boroughnews/internal/retry"
	"github.com/deusflow/boroughnews/internal/rss"
	"github.com/deusflow/boroughnews/internal/scraper"
	"github.com/deusflow/boroughnews/internal/storage"
)

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) *App {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.Global
	}
	return &App{cfg: cfg, log: log, metrics: m}
}

// Sources loads the feed list, falling back to the built-in sources when
// the feeds file does not exist.
func (a *App) Sources() ([]news.Source, error) {
	sources, err := rss.LoadFeeds(a.cfg.FeedsConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		a.log.Warn("feeds file not found, using built-in sources", "path", a.cfg.FeedsConfigPath)
		return news.DefaultSources, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load feeds: %w", err)
	}
	return sources, nil
}

func (a *App) openStore(ctx context.Context) (*storage.RowStore, error) {
	store, err := storage.Open(ctx, a.cfg.DatabaseDriver, a.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if a.cfg.DatabaseAutoSchema {
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

// Ingester holds everything one or more ingestion runs share.
type Ingester struct {
	orchestrator *ingest.Orchestrator
	limiter      *ratelimit.Limiter
	cache        *cache.Cache
	closers      []func() error
	log          *slog.Logger
}

// NewIngester builds the orchestrator and its dependencies from the config.
func (a *App) NewIngester(ctx context.Context) (*Ingester, error) {
	if err := a.cfg.ValidateClassifier(); err != nil {
		return nil, err
	}
	sources, err := a.Sources()
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	in := &Ingester{log: a.log, closers: []func() error{store.Close}}

	completer, closeCompleter, err := newCompleter(ctx, a.cfg)
	if err != nil {
		in.Close()
		return nil, err
	}
	if closeCompleter != nil {
		in.closers = append(in.closers, closeCompleter)
	}

	in.limiter = ratelimit.New(a.cfg.ClassifierRPM, a.cfg.MaxClassifierRequests)
	in.cache = cache.New(a.cfg.CacheTTL)
	cls := classifier.New(completer, classifier.Options{
		DefaultBorough: a.cfg.DefaultBorough,
		RateLimitPause: a.cfg.RateLimitPause,
		Limiter:        in.limiter,
		Cache:          in.cache,
		Logger:         a.log.With("component", "classifier"),
	})

	reader := rss.NewReader(rss.Options{
		UserAgent:     a.cfg.UserAgent,
		Timeout:       a.cfg.RequestTimeout,
		RespectRobots: a.cfg.RespectRobots,
		Normalizer:    scraper.NewNormalizer(),
		Logger:        a.log,
	})

	in.orchestrator = ingest.New(ingest.Deps{
		Ledger:     storage.NewFileLedger(a.cfg.LedgerDir),
		Reader:     reader,
		Classifier: cls,
		Store:      store,
		Metrics:    a.metrics,
		Logger:     a.log,
		Retry: retry.RetryConfig{
			MaxAttempts: a.cfg.RetryAttempts,
			Delay:       a.cfg.RetryDelay,
			MaxDelay:    30 * time.Second,
			Retryable:   retry.IsNetworkError,
		},
	}, sources)

	a.log.Info("ingester ready",
		"sources", len(sources),
		"provider", completer.Name(),
		"driver", a.cfg.DatabaseDriver)
	return in, nil
}

// RunOnce performs one ingestion run with a fresh request budget.
func (in *Ingester) RunOnce(ctx context.Context) (ingest.Report, error) {
	in.limiter.Reset()
	report, err := in.orchestrator.Run(ctx)
	if stats := in.limiter.GetStats(); stats["rejected"] > 0 {
		in.log.Warn("classifier budget exhausted", "used", stats["used"], "limit", stats["limit"], "rejected", stats["rejected"])
	}
	in.log.Debug("classification cache", "entries", in.cache.Len())
	return report, err
}

// RunEvery repeats runs on a ticker until ctx is cancelled. A failed run
// is logged and the next tick still fires.
func (in *Ingester) RunEvery(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		return fmt.Errorf("interval must be positive, got %v", every)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := in.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.log.Error("ingestion run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (in *Ingester) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		if err := in.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Export writes the JSON snapshot for the last days.
func (a *App) Export(ctx context.Context, days int) (string, int, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return "", 0, err
	}
	defer store.Close()

	return export.New(store, a.cfg.ExportDir, a.log).Export(ctx, days)
}
