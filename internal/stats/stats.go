// Package stats aggregates exported snapshots per borough.
package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/deusflow/boroughnews/internal/export"
)

// LoadSnapshot reads a snapshot written by export.Exporter.
func LoadSnapshot(path string) ([]export.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []export.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return items, nil
}

// AverageSentiment returns the mean sentiment per borough rounded to three
// places. Boroughs without articles map to nil.
func AverageSentiment(items []export.Item, boroughs []string) map[string]*float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, it := range items {
		sums[it.Location] += it.Sentiment
		counts[it.Location]++
	}

	out := make(map[string]*float64, len(boroughs))
	for _, b := range boroughs {
		if counts[b] == 0 {
			out[b] = nil
			continue
		}
		avg := math.Round(sums[b]/float64(counts[b])*1000) / 1000
		out[b] = &avg
	}
	return out
}

// TopicCounts returns topic -> article count per borough. Boroughs without
// articles map to nil.
func TopicCounts(items []export.Item, boroughs []string) map[string]map[string]int {
	byBorough := make(map[string]map[string]int)
	for _, it := range items {
		m, ok := byBorough[it.Location]
		if !ok {
			m = make(map[string]int)
			byBorough[it.Location] = m
		}
		m[it.Topic]++
	}

	out := make(map[string]map[string]int, len(boroughs))
	for _, b := range boroughs {
		out[b] = byBorough[b]
	}
	return out
}
