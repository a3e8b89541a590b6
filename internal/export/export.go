// Package export writes recent context rows as a static JSON snapshot.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/storage"
)

type Querier interface {
	Query(ctx context.Context, table string, q storage.Query) ([]map[string]any, error)
}

// Item is one article in the snapshot. Date is the row's created_at.
type Item struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Link         string  `json:"link"`
	Summary      string  `json:"summary"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Date         string  `json:"date"`
	Sentiment    float64 `json:"sentiment"`
	Topic        string  `json:"topic"`
	Location     string  `json:"location"`
}

type Exporter struct {
	store Querier
	dir   string
	now   func() time.Time
	log   *slog.Logger
}

func New(store Querier, dir string, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{store: store, dir: dir, now: time.Now, log: log.With("component", "export")}
}

// FileName is the snapshot name for a window of days.
func FileName(days int) string {
	return fmt.Sprintf("news_%ddays.json", days)
}

// Collect returns the context rows created in the last days, newest first.
func (e *Exporter) Collect(ctx context.Context, days int) ([]Item, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	cutoff := e.now().UTC().AddDate(0, 0, -days)

	rows, err := e.store.Query(ctx, news.ContextTable, storage.Query{
		Columns: []string{"id", "title", "link", "summary", "thumbnail_url", "created_at", "sentiment", "topic", "location"},
		Filters: []storage.Filter{{Column: "created_at", Op: ">=", Value: cutoff}},
		OrderBy: "created_at",
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("query recent articles: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, Item{
			ID:           str(r["id"]),
			Title:        str(r["title"]),
			Link:         str(r["link"]),
			Summary:      str(r["summary"]),
			ThumbnailURL: str(r["thumbnail_url"]),
			Date:         str(r["created_at"]),
			Sentiment:    float(r["sentiment"]),
			Topic:        str(r["topic"]),
			Location:     str(r["location"]),
		})
	}
	return items, nil
}

// Export writes news_{days}days.json into the export directory and returns
// its path and the number of articles written.
func (e *Exporter) Export(ctx context.Context, days int) (string, int, error) {
	items, err := e.Collect(ctx, days)
	if err != nil {
		return "", 0, err
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create export dir: %w", err)
	}
	path := filepath.Join(e.dir, FileName(days))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", 0, fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	e.log.Info("snapshot exported", "path", path, "articles", len(items), "days", days)
	return path, len(items), nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func float(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case []byte:
		f, _ := strconv.ParseFloat(string(t), 64)
		return f
	}
	return 0
}
