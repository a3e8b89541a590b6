// Package news holds the types shared by the ingestion pipeline.
package news

// Table names in the row store.
const (
	ContextTable = "proc_news_articles"
	RawTable     = "full_news_articles"
)

// NoDescription marks an article page whose body container could not be found.
const NoDescription = "No description available"

// Source is a configured feed endpoint identified by its site tag.
type Source struct {
	Site string `yaml:"site"`
	URL  string `yaml:"url"`
}

// DefaultSources are used when no feeds file is present.
var DefaultSources = []Source{
	{Site: "mylondon-london", URL: "https://www.mylondon.news/?service=rss"},
	{Site: "bbc-london", URL: "https://feeds.bbci.co.uk/news/england/london/rss.xml"},
}

// Article is a normalized feed entry ready for classification.
type Article struct {
	Site         string
	Link         string
	Title        string
	PublishedAt  string  // canonical "2006-01-02 15:04:05", UTC
	Description  *string // extracted article body, nil when extraction failed
	ThumbnailURL string  // image URL or "<site>_no_thumbnail"
}

// Enrichment is the classifier output. It is always fully populated.
type Enrichment struct {
	Location  string
	Sentiment float64
	Topic     string
	Summary   string
}

// ContextRow builds the proc_news_articles row for an article.
func ContextRow(id string, a Article, e Enrichment) map[string]any {
	return map[string]any{
		"id":            id,
		"title":         a.Title,
		"link":          a.Link,
		"date":          a.PublishedAt,
		"summary":       e.Summary,
		"thumbnail_url": a.ThumbnailURL,
		"location":      e.Location,
		"sentiment":     e.Sentiment,
		"topic":         e.Topic,
	}
}

// RawRow builds the full_news_articles row. A nil description is stored as NULL.
func RawRow(id string, a Article) map[string]any {
	var desc any
	if a.Description != nil {
		desc = *a.Description
	}
	return map[string]any{
		"id":               id,
		"full_description": desc,
	}
}
