package evaluation

import (
	"context"
	"errors"

	"github.com/stellarlinkco/gm-eval/internal/evaluator"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

const statsPageSize = 500

// HistogramBuckets is the number of fixed-width score buckets.
const HistogramBuckets = 5

// Stats summarizes the scores of a filtered metric population. Mean is nil
// when the population is empty; an empty population is not a zero score.
type Stats struct {
	Count     int
	Mean      *float64
	PassCount int
	FailCount int
	PassRate  *float64
	// Histogram buckets cover [1,5] in five equal widths; the top edge
	// falls into the last bucket.
	Histogram [HistogramBuckets]int
}

// ComputeStats aggregates every metric matching the filter.
func (a *Aggregator) ComputeStats(ctx context.Context, filter store.MetricFilter) (*Stats, error) {
	if a == nil || a.st == nil {
		return nil, errors.New("evaluation: nil aggregator")
	}

	stats := &Stats{}
	var sum float64
	for page := 1; ; page++ {
		metrics, total, err := a.st.ListMetrics(ctx, filter, page, statsPageSize)
		if err != nil {
			return nil, err
		}
		for _, m := range metrics {
			stats.Count++
			sum += m.Score
			if m.Score >= evaluator.PassThreshold {
				stats.PassCount++
			} else {
				stats.FailCount++
			}
			stats.Histogram[bucketFor(m.Score)]++
		}
		if stats.Count >= total || len(metrics) == 0 {
			break
		}
	}

	if stats.Count > 0 {
		mean := sum / float64(stats.Count)
		rate := float64(stats.PassCount) / float64(stats.Count)
		stats.Mean = &mean
		stats.PassRate = &rate
	}
	return stats, nil
}

func bucketFor(score float64) int {
	width := (evaluator.ScoreMax - evaluator.ScoreMin) / HistogramBuckets
	b := int((score - evaluator.ScoreMin) / width)
	if b < 0 {
		b = 0
	}
	if b >= HistogramBuckets {
		b = HistogramBuckets - 1
	}
	return b
}
