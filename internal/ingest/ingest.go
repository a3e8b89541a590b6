// Package ingest runs the per-source discover, diff, fetch, classify and
// persist cycle.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/deusflow/boroughnews/internal/classifier"
	"github.com/deusflow/boroughnews/internal/metrics"
	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/retry"
)

type Ledger interface {
	LoadRecentLinks() (map[string]struct{}, error)
	RecordLink(link string) error
}

type FeedReader interface {
	ListLinks(ctx context.Context, src news.Source) ([]string, error)
	FetchEntries(ctx context.Context, src news.Source, allowed map[string]struct{}) ([]news.Article, error)
}

type Classifier interface {
	Classify(ctx context.Context, title string, description *string) classifier.Outcome
}

type RowStore interface {
	Insert(ctx context.Context, table string, row map[string]any) error
}

// Deleter is implemented by stores that can remove a context row whose raw
// row could not be written.
type Deleter interface {
	Delete(ctx context.Context, table, id string) error
}

type Deps struct {
	Ledger     Ledger
	Reader     FeedReader
	Classifier Classifier
	Store      RowStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	NewID      func() string
	Retry      retry.RetryConfig
}

// DefaultRetry retries network failures of a row insert five times with
// exponential backoff.
var DefaultRetry = retry.RetryConfig{
	MaxAttempts: 5,
	Delay:       time.Second,
	MaxDelay:    30 * time.Second,
	Retryable:   retry.IsNetworkError,
}

type Orchestrator struct {
	deps    Deps
	sources []news.Source
	log     *slog.Logger
}

func New(deps Deps, sources []news.Source) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = DefaultRetry
	}
	if deps.Retry.Retryable == nil {
		deps.Retry.Retryable = retry.IsNetworkError
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		deps:    deps,
		sources: sources,
		log:     log.With("component", "ingest"),
	}
}

type SourceReport struct {
	Site      string
	Listed    int
	Unseen    int
	Ingested  int
	Fallbacks int
	Failed    int
	Err       error
}

type Report struct {
	Sources  []SourceReport
	Duration time.Duration
}

func (r Report) Ingested() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Ingested
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Failed
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Run ingests every source in order. Source and article failures are logged
// and recorded in the report; only a ledger load failure or cancellation
// makes Run return an error.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	known, err := o.deps.Ledger.LoadRecentLinks()
	if err != nil {
		o.deps.Metrics.SetError(err.Error())
		return report, fmt.Errorf("failed to load link ledger: %w", err)
	}
	o.log.Info("run started", "sources", len(o.sources), "known_links", len(known))

	for _, src := range o.sources {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		report.Sources = append(report.Sources, o.runSource(ctx, src, known))
	}

	report.Duration = time.Since(start)
	o.deps.Metrics.RecordRunDuration(report.Duration)
	if report.Failed() == 0 {
		o.deps.Metrics.SetLastRun()
	}
	o.log.Info("run finished",
		"ingested", report.Ingested(),
		"failed", report.Failed(),
		"duration", report.Duration)
	return report, nil
}

func (o *Orchestrator) runSource(ctx context.Context, src news.Source, known map[string]struct{}) SourceReport {
	rep := SourceReport{Site: src.Site}
	log := o.log.With("site", src.Site)

	links, err := o.deps.Reader.ListLinks(ctx, src)
	if err != nil {
		rep.Err = err
		o.deps.Metrics.IncrementFeedsFailed()
		o.deps.Metrics.SetError(err.Error())
		log.Error("failed to list feed links", "error", err)
		return rep
	}
	rep.Listed = len(links)

	unseen := make(map[string]struct{})
	for _, link := range links {
		if _, ok := known[link]; !ok {
			unseen[link] = struct{}{}
		}
	}
	rep.Unseen = len(unseen)
	o.deps.Metrics.AddDuplicatesSkipped(rep.Listed - rep.Unseen)

	if len(unseen) == 0 {
		o.deps.Metrics.IncrementFeedsProcessed()
		log.Info("no new links")
		return rep
	}

	articles, err := o.deps.Reader.FetchEntries(ctx, src, unseen)
	if err != nil {
		rep.Err = err
		o.deps.Metrics.IncrementFeedsFailed()
		o.deps.Metrics.SetError(err.Error())
		log.Error("failed to fetch feed entries", "error", err)
		return rep
	}

	attempted := make(map[string]struct{}, len(articles))
	for _, a := range articles {
		if ctx.Err() != nil {
			break
		}
		if _, ok := attempted[a.Link]; ok {
			log.Debug("link repeated in feed, skipping", "link", a.Link)
			continue
		}
		attempted[a.Link] = struct{}{}
		fallback, err := o.ingestArticle(ctx, a)
		if fallback {
			rep.Fallbacks++
		}
		if err != nil {
			rep.Failed++
			o.deps.Metrics.IncrementInsertFailures()
			log.Error("article not ingested", "link", a.Link, "error", err)
			continue
		}
		known[a.Link] = struct{}{}
		rep.Ingested++
		o.deps.Metrics.IncrementArticlesIngested()
	}

	o.deps.Metrics.IncrementFeedsProcessed()
	log.Info("source done",
		"listed", rep.Listed,
		"unseen", rep.Unseen,
		"ingested", rep.Ingested,
		"fallbacks", rep.Fallbacks,
		"failed", rep.Failed)
	return rep
}

// ingestArticle classifies and persists one article. The link is recorded
// only after both rows are written. When a later step fails, rows already
// written are deleted if the store supports it, so the next run can retry
// the article cleanly.
func (o *Orchestrator) ingestArticle(ctx context.Context, a news.Article) (bool, error) {
	id := o.deps.NewID()

	out := o.deps.Classifier.Classify(ctx, a.Title, a.Description)
	if out.IsFallback() {
		o.deps.Metrics.IncrementClassifierFallbacks()
	}
	if out.Cached {
		o.deps.Metrics.IncrementClassifierCacheHits()
	}

	if err := o.insert(ctx, news.ContextTable, news.ContextRow(id, a, out.Enrichment)); err != nil {
		return out.IsFallback(), fmt.Errorf("context row: %w", err)
	}

	if err := o.insert(ctx, news.RawTable, news.RawRow(id, a)); err != nil {
		o.rollback(ctx, id, a.Link, news.ContextTable)
		return out.IsFallback(), fmt.Errorf("raw row: %w", err)
	}

	if err := o.deps.Ledger.RecordLink(a.Link); err != nil {
		o.rollback(ctx, id, a.Link, news.RawTable, news.ContextTable)
		return out.IsFallback(), fmt.Errorf("record link: %w", err)
	}
	return out.IsFallback(), nil
}

// rollback deletes the rows written for id, in order. Raw rows go first
// because they reference the context row.
func (o *Orchestrator) rollback(ctx context.Context, id, link string, tables ...string) {
	d, ok := o.deps.Store.(Deleter)
	if !ok {
		o.log.Error("rows left without a ledger entry", "id", id, "link", link)
		return
	}
	for _, table := range tables {
		if err := d.Delete(ctx, table, id); err != nil {
			o.log.Error("orphaned row left behind", "table", table, "id", id, "link", link, "error", err)
		}
	}
}

func (o *Orchestrator) insert(ctx context.Context, table string, row map[string]any) error {
	attempt := 0
	return retry.WithRetry(ctx, o.deps.Retry, func() error {
		attempt++
		err := o.deps.Store.Insert(ctx, table, row)
		if err != nil && o.deps.Retry.Retryable(err) {
			o.log.Warn("insert failed, retrying", "table", table, "attempt", attempt, "error", err)
		}
		return err
	})
}
