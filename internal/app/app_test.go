package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/deusflow/boroughnews/internal/config"
	"github.com/deusflow/boroughnews/internal/logger"
	"github.com/deusflow/boroughnews/internal/metrics"
	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/stats"
)

const testFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>t</title>
<item>
  <title>market hall reopens in hackney</title>
  <link>%[1]s/story-1</link>
  <pubDate>Sun, 18 Oct 2026 09:30:00 GMT</pubDate>
  <description>The market hall in Hackney reopened after refurbishment.</description>
</item>
</channel></rss>`

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, testFeed, srv.URL)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "Location: Hackney\nSentiment: 0.7\nTopic: Economy\nSummary: Hackney's market hall reopened.",
			}}},
		})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	dir := t.TempDir()
	feeds := filepath.Join(dir, "feeds.yaml")
	content := fmt.Sprintf("feeds:\n  - site: local-london\n    url: %s/feed\n", srv.URL)
	if err := os.WriteFile(feeds, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		FeedsConfigPath:    feeds,
		LedgerDir:          filepath.Join(dir, "id_storage"),
		DatabaseDriver:     "sqlite",
		DatabaseURL:        filepath.Join(dir, "news.db"),
		DatabaseAutoSchema: true,
		ClassifierProvider: "groq",
		GroqAPIKey:         "test",
		GroqBaseURL:        srv.URL,
		GroqModel:          "llama-3.3-70b-versatile",
		DefaultBorough:     "Westminster",
		RateLimitPause:     time.Millisecond,
		CacheTTL:           time.Hour,
		RequestTimeout:     5 * time.Second,
		UserAgent:          "boroughnews-test",
		RetryAttempts:      2,
		RetryDelay:         time.Millisecond,
		ExportDir:          filepath.Join(dir, "public"),
		ExportDays:         14,
	}
}

func TestIngestThenExport(t *testing.T) {
	srv := newBackend(t)
	cfg := testConfig(t, srv)
	a := New(cfg, logger.Discard(), metrics.New())
	ctx := context.Background()

	in, err := a.NewIngester(ctx)
	if err != nil {
		t.Fatalf("NewIngester: %v", err)
	}
	defer in.Close()

	report, err := in.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Ingested() != 1 {
		t.Fatalf("expected 1 ingested article, got %+v", report)
	}

	again, err := in.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if again.Ingested() != 0 || again.Sources[0].Unseen != 0 {
		t.Fatalf("second run should find nothing new, got %+v", again)
	}

	path, n, err := a.Export(ctx, cfg.ExportDays)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 exported article, got %d", n)
	}

	items, err := stats.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	it := items[0]
	if it.Location != "Hackney" || it.Topic != "Economy" || it.Sentiment != 0.7 {
		t.Errorf("unexpected exported item %+v", it)
	}
	if it.Title != "Market Hall Reopens In Hackney" {
		t.Errorf("title = %q", it.Title)
	}
	if it.ThumbnailURL != "local-london_no_thumbnail" {
		t.Errorf("thumbnail = %q", it.ThumbnailURL)
	}
}

func TestSources_FallsBackToDefaults(t *testing.T) {
	a := New(&config.Config{FeedsConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}, logger.Discard(), metrics.New())

	sources, err := a.Sources()
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(sources) != len(news.DefaultSources) || sources[0].Site != "mylondon-london" {
		t.Errorf("unexpected sources %+v", sources)
	}
}

func TestNewCompleter(t *testing.T) {
	ctx := context.Background()

	for _, provider := range []string{"groq", "openai"} {
		cfg := &config.Config{ClassifierProvider: provider, GroqAPIKey: "g", OpenAIAPIKey: "o"}
		c, closer, err := newCompleter(ctx, cfg)
		if err != nil {
			t.Fatalf("%s: %v", provider, err)
		}
		if c.Name() != provider || closer != nil {
			t.Errorf("%s: unexpected completer %s", provider, c.Name())
		}
	}

	if _, _, err := newCompleter(ctx, &config.Config{ClassifierProvider: "groq"}); err == nil {
		t.Error("expected an error without an api key")
	}
	if _, _, err := newCompleter(ctx, &config.Config{ClassifierProvider: "bard"}); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}

func TestRunEvery_StopsOnCancel(t *testing.T) {
	srv := newBackend(t)
	a := New(testConfig(t, srv), logger.Discard(), metrics.New())

	in, err := a.NewIngester(context.Background())
	if err != nil {
		t.Fatalf("NewIngester: %v", err)
	}
	defer in.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := in.RunEvery(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("RunEvery: %v", err)
	}
	if err := in.RunEvery(ctx, 0); err == nil {
		t.Error("expected an error for a zero interval")
	}
}
