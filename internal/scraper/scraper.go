// Package scraper turns raw feed fields and article pages into normalized
// article fields. Everything site-specific lives in a strategy table keyed
// by site family, so adding a site is adding an entry.
package scraper

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/deusflow/boroughnews/internal/news"
)

// CanonicalLayout is the single timestamp format stored for published dates.
const CanonicalLayout = "2006-01-02 15:04:05"

// feed date layouts, most common first; CanonicalLayout keeps CleanDate idempotent
var dateLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 GMT",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 GMT",
	CanonicalLayout,
}

// ParseError reports a feed date in none of the known layouts.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognised date %q", e.Raw)
}

// CleanDate converts a feed date to CanonicalLayout in UTC.
func CleanDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC().Format(CanonicalLayout), nil
		}
	}
	return "", &ParseError{Raw: raw}
}

// CleanTitle title-cases a headline.
func CleanTitle(raw string) string {
	return cases.Title(language.BritishEnglish).String(strings.TrimSpace(raw))
}

// NoThumbnail is the sentinel stored when a site yields no image.
func NoThumbnail(site string) string {
	return site + "_no_thumbnail"
}

// Strategy is the per-site capability record.
type Strategy struct {
	// Thumbnail returns an image URL or "" when the entry has none.
	Thumbnail func(item *gofeed.Item) string
	// Description extracts the article body from a page; false means the
	// expected container is missing. Nil means the site has no extraction rule.
	Description func(doc *goquery.Document) (string, bool)
	// RequiresSecondaryFetch is set when Description needs the article page.
	RequiresSecondaryFetch bool
}

// Normalizer resolves site strategies.
type Normalizer struct {
	strategies map[string]Strategy
}

// NewNormalizer returns a Normalizer with the built-in site families registered.
func NewNormalizer() *Normalizer {
	n := &Normalizer{strategies: map[string]Strategy{}}
	n.Register("mylondon", Strategy{
		Thumbnail:              mediaExtension("content"),
		Description:            myLondonBody,
		RequiresSecondaryFetch: true,
	})
	n.Register("bbc", Strategy{
		Thumbnail:              mediaExtension("thumbnail"),
		Description:            bbcTextBlocks,
		RequiresSecondaryFetch: true,
	})
	return n
}

// Register adds or replaces the strategy for a site family ("bbc" covers "bbc-london").
func (n *Normalizer) Register(family string, s Strategy) {
	n.strategies[family] = s
}

// Strategy resolves a site identifier: exact match first, then its family
// (the part before the first '-'). Unknown sites get an empty strategy.
func (n *Normalizer) Strategy(site string) Strategy {
	if s, ok := n.strategies[site]; ok {
		return s
	}
	family, _, _ := strings.Cut(site, "-")
	if s, ok := n.strategies[family]; ok {
		return s
	}
	return Strategy{}
}

// CleanThumbnail applies the site's thumbnail rule, falling back to the sentinel.
func (n *Normalizer) CleanThumbnail(item *gofeed.Item, site string) string {
	return n.Strategy(site).CleanThumbnail(item, site)
}

// CleanThumbnail returns the image URL for item or the site's sentinel.
func (s Strategy) CleanThumbnail(item *gofeed.Item, site string) string {
	if s.Thumbnail != nil && item != nil {
		if url := s.Thumbnail(item); url != "" {
			return url
		}
	}
	return NoThumbnail(site)
}

// ExtractDescription runs the site's body extractor over an article page.
// Sites without a rule return nil without reading the page; a missing body
// container yields the news.NoDescription marker.
func (n *Normalizer) ExtractDescription(page io.Reader, site string) (*string, error) {
	return n.Strategy(site).ExtractDescription(page)
}

func (s Strategy) ExtractDescription(page io.Reader) (*string, error) {
	if s.Description == nil {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return nil, fmt.Errorf("parse article page: %w", err)
	}

	text, ok := s.Description(doc)
	if !ok {
		marker := news.NoDescription
		return &marker, nil
	}
	return &text, nil
}

// PlainText strips markup from a feed summary and collapses whitespace.
func PlainText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func mediaExtension(name string) func(item *gofeed.Item) string {
	return func(item *gofeed.Item) string {
		media, ok := item.Extensions["media"]
		if !ok {
			return ""
		}
		for _, e := range media[name] {
			if url := strings.TrimSpace(e.Attrs["url"]); url != "" {
				return url
			}
		}
		return ""
	}
}

func myLondonBody(doc *goquery.Document) (string, bool) {
	body := doc.Find("div.article-body").First()
	if body.Length() == 0 {
		return "", false
	}

	var paragraphs []string
	body.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) == 0 {
		return "", false
	}
	return strings.Join(paragraphs, "\n"), true
}

func bbcTextBlocks(doc *goquery.Document) (string, bool) {
	var blocks []string
	doc.Find(`[data-component="text-block"]`).Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return "", false
	}
	return strings.Join(blocks, " "), true
}
