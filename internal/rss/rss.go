package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/temoto/robotstxt"
	"gopkg.in/yaml.v3"

	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/scraper"
)

const maxPageBytes = 5 << 20

// FeedsConfig is YAML config structure
// feeds:
//   - site: bbc-london
//     url: https://...
type FeedsConfig struct {
	Feeds []news.Source `yaml:"feeds"`
}

// LoadFeeds reads the feed sources from a YAML file.
func LoadFeeds(path string) ([]news.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg FeedsConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, src := range cfg.Feeds {
		if strings.TrimSpace(src.Site) == "" || strings.TrimSpace(src.URL) == "" {
			return nil, fmt.Errorf("%s: feed %d needs both site and url", path, i)
		}
	}
	return cfg.Feeds, nil
}

// FetchError reports a feed or page request that failed or returned a
// non-2xx status. StatusCode is 0 for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Options struct {
	HTTPClient    *http.Client
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
	Normalizer    *scraper.Normalizer
	Logger        *slog.Logger
}

// Reader fetches feeds and turns their entries into articles.
type Reader struct {
	client        *http.Client
	userAgent     string
	respectRobots bool
	normalizer    *scraper.Normalizer
	logger        *slog.Logger

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData
}

func NewReader(opts Options) *Reader {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = scraper.NewNormalizer()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "boroughnews/1.0"
	}
	return &Reader{
		client:        client,
		userAgent:     ua,
		respectRobots: opts.RespectRobots,
		normalizer:    normalizer,
		logger:        log.With("component", "rss"),
		robots:        map[string]*robotstxt.RobotsData{},
	}
}

// ListLinks returns every entry link of the feed in feed order.
func (r *Reader) ListLinks(ctx context.Context, src news.Source) ([]string, error) {
	feed, err := r.fetchFeed(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	links := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		if link := strings.TrimSpace(item.Link); link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

// FetchEntries normalizes the feed entries whose link is in allowed. Other
// entries are dropped before any article page is requested. A failed page
// fetch leaves that article's description nil.
func (r *Reader) FetchEntries(ctx context.Context, src news.Source, allowed map[string]struct{}) ([]news.Article, error) {
	feed, err := r.fetchFeed(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	strategy := r.normalizer.Strategy(src.Site)
	var articles []news.Article
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if _, ok := allowed[link]; !ok || link == "" {
			continue
		}

		published, err := publishedAt(item)
		if err != nil {
			r.logger.Warn("skipping entry with unreadable date", "site", src.Site, "link", link, "error", err)
			continue
		}

		a := news.Article{
			Site:         src.Site,
			Link:         link,
			Title:        scraper.CleanTitle(item.Title),
			PublishedAt:  published,
			ThumbnailURL: strategy.CleanThumbnail(item, src.Site),
		}

		if strategy.RequiresSecondaryFetch && strategy.Description != nil {
			a.Description = r.fetchDescription(ctx, strategy, src.Site, link)
		} else if summary := scraper.PlainText(item.Description); summary != "" {
			a.Description = &summary
		}

		articles = append(articles, a)
	}
	return articles, nil
}

func publishedAt(item *gofeed.Item) (string, error) {
	raw := item.Published
	if raw == "" {
		raw = item.Updated
	}
	date, err := scraper.CleanDate(raw)
	if err == nil {
		return date, nil
	}
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC().Format(scraper.CanonicalLayout), nil
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC().Format(scraper.CanonicalLayout), nil
	}
	return "", err
}

func (r *Reader) fetchDescription(ctx context.Context, s scraper.Strategy, site, link string) *string {
	if r.respectRobots && !r.robotsAllow(ctx, link) {
		r.logger.Info("robots.txt disallows article page", "site", site, "link", link)
		return nil
	}

	resp, err := r.get(ctx, link)
	if err != nil {
		r.logger.Warn("article page fetch failed", "site", site, "link", link, "error", err)
		return nil
	}
	defer resp.Body.Close()

	desc, err := s.ExtractDescription(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		r.logger.Warn("description extraction failed", "site", site, "link", link, "error", err)
		return nil
	}
	return desc
}

func (r *Reader) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	resp, err := r.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return feed, nil
}

// get issues a GET and returns the response only for 2xx statuses.
func (r *Reader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return resp, nil
}

// robotsAllow checks the page against its host's robots.txt. Hosts whose
// robots.txt cannot be read are allowed.
func (r *Reader) robotsAllow(ctx context.Context, link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return true
	}
	host := u.Scheme + "://" + u.Host

	r.mu.Lock()
	data, ok := r.robots[host]
	r.mu.Unlock()

	if !ok {
		data = r.loadRobots(ctx, host)
		r.mu.Lock()
		r.robots[host] = data
		r.mu.Unlock()
	}
	if data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, r.userAgent)
}

func (r *Reader) loadRobots(ctx context.Context, host string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("robots.txt unavailable", "host", host, "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		r.logger.Debug("robots.txt unreadable", "host", host, "error", err)
		return nil
	}
	return data
}
