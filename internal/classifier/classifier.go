package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deusflow/boroughnews/internal/cache"
	"github.com/deusflow/boroughnews/internal/news"
	"github.com/deusflow/boroughnews/internal/ratelimit"
)

// ErrRateLimited marks a completion refused by the provider with HTTP 429.
var ErrRateLimited = errors.New("classifier rate limited")

const (
	labelLocation  = "Location:"
	labelSentiment = "Sentiment:"
	labelTopic     = "Topic:"
	labelSummary   = "Summary:"

	fallbackSummaryRunes = 200
	defaultPause         = 10 * time.Second
)

// Completer sends one system+user prompt pair to a language model and
// returns the raw text of the first answer.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

// ResponseFormatError is returned when a completion lacks required lines.
type ResponseFormatError struct {
	Missing []string
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("classifier response missing %s", strings.Join(e.Missing, ", "))
}

type Status int

const (
	StatusSuccess Status = iota
	StatusFallback
)

func (s Status) String() string {
	if s == StatusFallback {
		return "fallback"
	}
	return "success"
}

// Outcome is the result of one classification. Enrichment is always
// populated; Reason carries the failure when Status is StatusFallback.
type Outcome struct {
	Enrichment news.Enrichment
	Status     Status
	Reason     error
	Cached     bool
}

func (o Outcome) IsFallback() bool { return o.Status == StatusFallback }

type Options struct {
	DefaultBorough string
	RateLimitPause time.Duration
	Limiter        *ratelimit.Limiter
	Cache          *cache.Cache
	Logger         *slog.Logger
}

type Client struct {
	completer      Completer
	defaultBorough string
	pause          time.Duration
	limiter        *ratelimit.Limiter
	cache          *cache.Cache
	logger         *slog.Logger
	sleep          func(ctx context.Context, d time.Duration)
}

func New(completer Completer, opts Options) *Client {
	c := &Client{
		completer:      completer,
		defaultBorough: DefaultBorough,
		pause:          opts.RateLimitPause,
		limiter:        opts.Limiter,
		cache:          opts.Cache,
		logger:         opts.Logger,
		sleep:          sleepCtx,
	}
	if b, ok := CanonicalBorough(opts.DefaultBorough); ok {
		c.defaultBorough = b
	}
	if c.pause < 0 {
		c.pause = 0
	} else if c.pause == 0 {
		c.pause = defaultPause
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Classify enriches one article. It never fails: any provider, budget or
// format problem yields a fallback enrichment.
func (c *Client) Classify(ctx context.Context, title string, description *string) Outcome {
	text := news.NoDescription
	if description != nil && strings.TrimSpace(*description) != "" {
		text = *description
	}

	key := ""
	if c.cache != nil {
		key = cache.GenerateKey(title, text)
		if e, ok := c.cache.Get(key); ok {
			return Outcome{Enrichment: e, Status: StatusSuccess, Cached: true}
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return c.fallback(title, description, err)
		}
	}

	raw, err := c.completer.Complete(ctx, systemPrompt, BuildPrompt(title, text))
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			c.logger.Warn("classifier rate limited, pausing",
				"provider", c.completer.Name(),
				"pause", c.pause)
			c.sleep(ctx, c.pause)
		}
		return c.fallback(title, description, err)
	}

	e, err := Parse(raw, c.defaultBorough)
	if err != nil {
		c.logger.Debug("unparseable classifier response", "response", raw)
		return c.fallback(title, description, err)
	}

	if c.cache != nil {
		c.cache.Set(key, e)
	}
	return Outcome{Enrichment: e, Status: StatusSuccess}
}

func (c *Client) fallback(title string, description *string, reason error) Outcome {
	c.logger.Warn("classification fell back to defaults",
		"title", title,
		"provider", c.completer.Name(),
		"error", reason)

	return Outcome{
		Enrichment: news.Enrichment{
			Location:  c.defaultBorough,
			Sentiment: 0,
			Topic:     TopicOther,
			Summary:   FallbackSummary(description),
		},
		Status: StatusFallback,
		Reason: reason,
	}
}

// FallbackSummary is the description cut to 200 runes with "..." appended,
// or the no-description marker.
func FallbackSummary(description *string) string {
	if description == nil || strings.TrimSpace(*description) == "" {
		return news.NoDescription
	}
	d := *description
	if utf8.RuneCountInString(d) <= fallbackSummaryRunes {
		return d
	}
	return string([]rune(d)[:fallbackSummaryRunes]) + "..."
}

// Parse reads the four labelled lines of a completion. A line that is
// absent or has no value is a format error. Unknown boroughs
// become defaultBorough, unknown topics become Other and the sentiment is
// clamped to [-1, 1].
func Parse(response, defaultBorough string) (news.Enrichment, error) {
	var lines []string
	for _, l := range strings.Split(response, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}

	values := make(map[string]string, 4)
	var missing []string
	for _, label := range []string{labelLocation, labelSentiment, labelTopic, labelSummary} {
		v, ok := field(lines, label)
		if !ok || v == "" {
			missing = append(missing, strings.TrimSuffix(label, ":"))
			continue
		}
		values[label] = v
	}
	if len(missing) > 0 {
		return news.Enrichment{}, &ResponseFormatError{Missing: missing}
	}

	location, ok := CanonicalBorough(values[labelLocation])
	if !ok {
		location = defaultBorough
	}
	topic, ok := topicIndex[strings.ToLower(values[labelTopic])]
	if !ok {
		topic = TopicOther
	}

	return news.Enrichment{
		Location:  location,
		Sentiment: ParseSentiment(values[labelSentiment]),
		Topic:     topic,
		Summary:   values[labelSummary],
	}, nil
}

func field(lines []string, label string) (string, bool) {
	for _, l := range lines {
		if strings.HasPrefix(l, label) {
			v := strings.TrimSpace(strings.TrimPrefix(l, label))
			return strings.TrimSpace(strings.Trim(v, "[]")), true
		}
	}
	return "", false
}

// ParseSentiment reads the first token as a float, clamped to [-1, 1].
// Anything unparseable is 0.
func ParseSentiment(v string) float64 {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimRight(fields[0], ",;"), 64)
	if err != nil || math.IsNaN(f) {
		return 0
	}
	return math.Max(-1, math.Min(1, f))
}
