package metrics

import (
	"sync"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Counters
	FeedsProcessed      int64
	FeedsFailed         int64
	ArticlesIngested    int64
	DuplicatesSkipped   int64
	ClassifierFallbacks int64
	ClassifierCacheHits int64
	InsertFailures      int64

	// Timings
	LastRunDuration    time.Duration
	AverageRunDuration time.Duration
	TotalRunDuration   time.Duration
	RunCount           int64

	// Status
	LastRunTime   time.Time
	LastErrorTime time.Time
	LastError     string
	IsHealthy     bool
}

var Global = New()

func New() *Metrics {
	return &Metrics{IsHealthy: true}
}

func (m *Metrics) add(counter *int64, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter += int64(n)
}

func (m *Metrics) IncrementFeedsProcessed()      { m.add(&m.FeedsProcessed, 1) }
func (m *Metrics) IncrementFeedsFailed()         { m.add(&m.FeedsFailed, 1) }
func (m *Metrics) IncrementArticlesIngested()    { m.add(&m.ArticlesIngested, 1) }
func (m *Metrics) AddDuplicatesSkipped(n int)    { m.add(&m.DuplicatesSkipped, n) }
func (m *Metrics) IncrementClassifierFallbacks() { m.add(&m.ClassifierFallbacks, 1) }
func (m *Metrics) IncrementClassifierCacheHits() { m.add(&m.ClassifierCacheHits, 1) }
func (m *Metrics) IncrementInsertFailures()      { m.add(&m.InsertFailures, 1) }

func (m *Metrics) RecordRunDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LastRunDuration = duration
	m.TotalRunDuration += duration
	m.RunCount++
	m.AverageRunDuration = m.TotalRunDuration / time.Duration(m.RunCount)
}

func (m *Metrics) SetLastRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastRunTime = time.Now()
	m.IsHealthy = true
}

func (m *Metrics) SetError(err string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastError = err
	m.LastErrorTime = time.Now()
	m.IsHealthy = false
}

func (m *Metrics) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.IsHealthy
}

func (m *Metrics) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"feeds_processed":         m.FeedsProcessed,
		"feeds_failed":            m.FeedsFailed,
		"articles_ingested":       m.ArticlesIngested,
		"duplicates_skipped":      m.DuplicatesSkipped,
		"classifier_fallbacks":    m.ClassifierFallbacks,
		"classifier_cache_hits":   m.ClassifierCacheHits,
		"insert_failures":         m.InsertFailures,
		"last_run_duration_ms":    m.LastRunDuration.Milliseconds(),
		"average_run_duration_ms": m.AverageRunDuration.Milliseconds(),
		"run_count":               m.RunCount,
		"last_run_time":           m.LastRunTime.Format(time.RFC3339),
		"last_error_time":         m.LastErrorTime.Format(time.RFC3339),
		"last_error":              m.LastError,
		"is_healthy":              m.IsHealthy,
	}
}
