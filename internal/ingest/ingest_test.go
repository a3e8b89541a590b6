package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/deusflow/boroughnews/internal/classifier"
	"github.com/deusflow/boroughnews/internal/logger"
	"github.com/deusflow/boroughnews/internal/metrics"
	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/retry"
	"github.com/deusflow/boroughnews/internal/storage"
)

type fakeLedger struct {
	links     map[string]struct{}
	recorded  []string
	loadErr   error
	recordErr map[string]error
}

func newFakeLedger(links ...string) *fakeLedger {
	l := &fakeLedger{links: map[string]struct{}{}}
	for _, link := range links {
		l.links[link] = struct{}{}
	}
	return l
}

func (l *fakeLedger) LoadRecentLinks() (map[string]struct{}, error) {
	if l.loadErr != nil {
		return nil, l.loadErr
	}
	out := make(map[string]struct{}, len(l.links))
	for k := range l.links {
		out[k] = struct{}{}
	}
	return out, nil
}

func (l *fakeLedger) RecordLink(link string) error {
	if err := l.recordErr[link]; err != nil {
		return err
	}
	l.recorded = append(l.recorded, link)
	l.links[link] = struct{}{}
	return nil
}

type fakeReader struct {
	feeds      map[string][]string
	listErr    map[string]error
	fetchCalls map[string][]map[string]struct{}
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		feeds:      map[string][]string{},
		listErr:    map[string]error{},
		fetchCalls: map[string][]map[string]struct{}{},
	}
}

func (r *fakeReader) ListLinks(_ context.Context, src news.Source) ([]string, error) {
	if err := r.listErr[src.Site]; err != nil {
		return nil, err
	}
	return r.feeds[src.Site], nil
}

func (r *fakeReader) FetchEntries(_ context.Context, src news.Source, allowed map[string]struct{}) ([]news.Article, error) {
	r.fetchCalls[src.Site] = append(r.fetchCalls[src.Site], allowed)
	var out []news.Article
	for _, link := range r.feeds[src.Site] {
		if _, ok := allowed[link]; !ok {
			continue
		}
		desc := "Full text of " + link
		out = append(out, news.Article{
			Site:         src.Site,
			Link:         link,
			Title:        "Title " + link,
			PublishedAt:  "2026-10-18 10:00:00",
			Description:  &desc,
			ThumbnailURL: src.Site + "_no_thumbnail",
		})
	}
	return out, nil
}

type fixedClassifier struct{}

func (fixedClassifier) Classify(_ context.Context, title string, _ *string) classifier.Outcome {
	return classifier.Outcome{
		Enrichment: news.Enrichment{Location: "Camden", Sentiment: 0.4, Topic: "Society", Summary: "about " + title},
		Status:     classifier.StatusSuccess,
	}
}

type failingCompleter struct{}

func (failingCompleter) Name() string { return "failing" }
func (failingCompleter) Complete(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}

type fakeStore struct {
	rows      map[string][]map[string]any
	failTable map[string]error
	failFor   map[string]int
	attempts  map[string]int
	deleted   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      map[string][]map[string]any{},
		failTable: map[string]error{},
		failFor:   map[string]int{},
		attempts:  map[string]int{},
	}
}

func (s *fakeStore) Insert(_ context.Context, table string, row map[string]any) error {
	s.attempts[table]++
	if err := s.failTable[table]; err != nil {
		if n, limited := s.failFor[table]; !limited || s.attempts[table] <= n {
			return err
		}
	}
	s.rows[table] = append(s.rows[table], row)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, table, id string) error {
	s.deleted = append(s.deleted, table+"/"+id)
	kept := s.rows[table][:0]
	for _, r := range s.rows[table] {
		if r["id"] != id {
			kept = append(kept, r)
		}
	}
	s.rows[table] = kept
	return nil
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestOrchestrator(l Ledger, r FeedReader, c Classifier, s RowStore, sources ...news.Source) *Orchestrator {
	return New(Deps{
		Ledger:     l,
		Reader:     r,
		Classifier: c,
		Store:      s,
		Metrics:    metrics.New(),
		Logger:     logger.Discard(),
		NewID:      sequentialIDs(),
		Retry:      retry.RetryConfig{MaxAttempts: 5, Delay: time.Millisecond, Retryable: retry.IsNetworkError},
	}, sources)
}

var bbc = news.Source{Site: "bbc-london", URL: "https://feeds.bbci.co.uk/news/england/london/rss.xml"}
var mylondon = news.Source{Site: "mylondon-london", URL: "https://www.mylondon.news/?service=rss"}

func TestRun_FetchesOnlyUnseenLinks(t *testing.T) {
	ledger := newFakeLedger("A")
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"A", "B"}
	store := newFakeStore()

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := reader.fetchCalls[bbc.Site]
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected one fetch for one unseen link, got %v", calls)
	}
	if _, ok := calls[0]["B"]; !ok {
		t.Fatalf("expected secondary fetch only for B, got %v", calls[0])
	}

	if len(store.rows[news.ContextTable]) != 1 || len(store.rows[news.RawTable]) != 1 {
		t.Fatalf("expected one row pair, got %d/%d", len(store.rows[news.ContextTable]), len(store.rows[news.RawTable]))
	}
	ctxRow, rawRow := store.rows[news.ContextTable][0], store.rows[news.RawTable][0]
	if ctxRow["link"] != "B" || ctxRow["id"] != rawRow["id"] {
		t.Errorf("row pair mismatch: %v / %v", ctxRow, rawRow)
	}
	if rawRow["full_description"] != "Full text of B" {
		t.Errorf("raw row description = %v", rawRow["full_description"])
	}

	if _, ok := ledger.links["B"]; !ok || len(ledger.links) != 2 {
		t.Errorf("ledger should contain A and B, got %v", ledger.links)
	}
	if report.Ingested() != 1 || report.Sources[0].Unseen != 1 || report.Sources[0].Listed != 2 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRun_ClassifierFailureStillPersists(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"C"}
	store := newFakeStore()
	cls := classifier.New(failingCompleter{}, classifier.Options{Logger: logger.Discard()})

	report, err := newTestOrchestrator(ledger, reader, cls, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows := store.rows[news.ContextTable]
	if len(rows) != 1 {
		t.Fatalf("expected a context row, got %d", len(rows))
	}
	row := rows[0]
	if row["location"] != classifier.DefaultBorough || row["sentiment"] != 0.0 || row["topic"] != classifier.TopicOther {
		t.Errorf("expected fallback fields, got %v", row)
	}
	if row["summary"] != "Full text of C" {
		t.Errorf("summary = %v", row["summary"])
	}
	if _, ok := ledger.links["C"]; !ok {
		t.Error("link should be recorded after a fallback classification")
	}
	if report.Sources[0].Fallbacks != 1 {
		t.Errorf("fallbacks = %d", report.Sources[0].Fallbacks)
	}
}

func TestRun_RawInsertFailureDoesNotRecordLink(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"D", "E"}
	store := newFakeStore()
	store.failTable[news.RawTable] = errors.New("violates foreign key constraint")
	store.failFor[news.RawTable] = 1

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := ledger.links["D"]; ok {
		t.Error("D must not be recorded when its raw row failed")
	}
	if _, ok := ledger.links["E"]; !ok {
		t.Error("E should still be ingested after D failed")
	}
	if store.attempts[news.RawTable] != 2 {
		t.Errorf("non-network failure must not be retried, got %d raw attempts", store.attempts[news.RawTable])
	}
	if len(store.deleted) != 1 || store.deleted[0] != news.ContextTable+"/id-1" {
		t.Errorf("expected compensating delete of id-1, got %v", store.deleted)
	}
	if len(store.rows[news.ContextTable]) != 1 || store.rows[news.ContextTable][0]["link"] != "E" {
		t.Errorf("only E's context row should remain, got %v", store.rows[news.ContextTable])
	}
	if report.Sources[0].Failed != 1 || report.Sources[0].Ingested != 1 {
		t.Errorf("unexpected report %+v", report.Sources[0])
	}
}

func TestRun_ContextInsertFailureSkipsRawRow(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"F"}
	store := newFakeStore()
	store.failTable[news.ContextTable] = errors.New("permission denied")

	if _, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.attempts[news.RawTable] != 0 {
		t.Error("raw row must not be attempted after the context row failed")
	}
	if len(ledger.links) != 0 {
		t.Errorf("link must not be recorded, got %v", ledger.links)
	}
}

func TestRun_RetriesNetworkInsertFailures(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"G"}
	store := newFakeStore()
	store.failTable[news.ContextTable] = fmt.Errorf("dial tcp: %w", syscall.ECONNRESET)
	store.failFor[news.ContextTable] = 2

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.attempts[news.ContextTable] != 3 {
		t.Errorf("expected 3 attempts, got %d", store.attempts[news.ContextTable])
	}
	if report.Ingested() != 1 {
		t.Errorf("article should be ingested after retries, report %+v", report)
	}
}

func TestRun_NetworkFailureGivesUpAtCeiling(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"H"}
	store := newFakeStore()
	store.failTable[news.ContextTable] = fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)

	if _, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.attempts[news.ContextTable] != 5 {
		t.Errorf("expected 5 attempts, got %d", store.attempts[news.ContextTable])
	}
	if len(ledger.links) != 0 {
		t.Error("link must not be recorded")
	}
}

func TestRun_SourceFailureIsIsolated(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.listErr[mylondon.Site] = errors.New("status 503")
	reader.feeds[bbc.Site] = []string{"I"}
	store := newFakeStore()

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, mylondon, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Sources[0].Err == nil {
		t.Error("first source should report its error")
	}
	if report.Sources[1].Ingested != 1 {
		t.Errorf("second source should still run, got %+v", report.Sources[1])
	}
}

func TestRun_NoUnseenLinksSkipsFetch(t *testing.T) {
	ledger := newFakeLedger("A", "B")
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"A", "B"}

	if _, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, newFakeStore(), bbc).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reader.fetchCalls[bbc.Site]) != 0 {
		t.Error("FetchEntries must not be called when every link is known")
	}
}

func TestRun_LedgerLoadFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.loadErr = errors.New("permission denied")
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"A"}

	_, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, newFakeStore(), bbc).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ledger") {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if len(reader.fetchCalls) != 0 {
		t.Error("no source should run without a ledger")
	}
}

func TestRun_DedupAcrossRuns(t *testing.T) {
	ledger := storage.NewFileLedger(filepath.Join(t.TempDir(), "id_storage"))
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"J", "K"}
	store := newFakeStore()

	for run := 0; run < 2; run++ {
		if _, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}

	if len(reader.fetchCalls[bbc.Site]) != 1 {
		t.Errorf("second run should find nothing unseen, got %d fetches", len(reader.fetchCalls[bbc.Site]))
	}
	if len(store.rows[news.ContextTable]) != 2 {
		t.Errorf("expected 2 context rows in total, got %d", len(store.rows[news.ContextTable]))
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := newFakeReader()
	_, err := newTestOrchestrator(newFakeLedger(), reader, fixedClassifier{}, newFakeStore(), bbc).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_RepeatedLinkInFeedIngestedOnce(t *testing.T) {
	ledger := newFakeLedger()
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"B", "B"}
	store := newFakeStore()

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.rows[news.ContextTable]) != 1 || len(store.rows[news.RawTable]) != 1 {
		t.Fatalf("expected one row pair, got %d/%d", len(store.rows[news.ContextTable]), len(store.rows[news.RawTable]))
	}
	if len(ledger.recorded) != 1 {
		t.Errorf("link should be recorded once, got %v", ledger.recorded)
	}
	if report.Sources[0].Unseen != 1 || report.Ingested() != 1 {
		t.Errorf("unexpected report %+v", report.Sources[0])
	}
}

func TestRun_RecordLinkFailureRollsBackRows(t *testing.T) {
	ledger := newFakeLedger()
	ledger.recordErr = map[string]error{"L": errors.New("disk full")}
	reader := newFakeReader()
	reader.feeds[bbc.Site] = []string{"L", "M"}
	store := newFakeStore()

	report, err := newTestOrchestrator(ledger, reader, fixedClassifier{}, store, bbc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{news.RawTable + "/id-1", news.ContextTable + "/id-1"}
	if len(store.deleted) != 2 || store.deleted[0] != want[0] || store.deleted[1] != want[1] {
		t.Errorf("expected raw then context delete of id-1, got %v", store.deleted)
	}
	if len(store.rows[news.ContextTable]) != 1 || store.rows[news.ContextTable][0]["link"] != "M" {
		t.Errorf("only M's context row should remain, got %v", store.rows[news.ContextTable])
	}
	if len(store.rows[news.RawTable]) != 1 {
		t.Errorf("only M's raw row should remain, got %v", store.rows[news.RawTable])
	}
	if report.Sources[0].Failed != 1 || report.Sources[0].Ingested != 1 {
		t.Errorf("unexpected report %+v", report.Sources[0])
	}
}
