package service

import (
	"math"
	"sort"
	"time"
)

// Recommendation is the action suggested for a product's BOM weights.
type Recommendation string

const (
	RecommendUpdate Recommendation = "update"
	RecommendReview Recommendation = "review"
	RecommendOK     Recommendation = "ok"
)

// Variance thresholds in percent.
const (
	UpdateVarianceThreshold = 15.0
	ReviewVarianceThreshold = 5.0
)

// RecommendationFor tags an average absolute variance percentage.
func RecommendationFor(avgAbsVariancePercent float64) Recommendation {
	switch {
	case avgAbsVariancePercent > UpdateVarianceThreshold:
		return RecommendUpdate
	case avgAbsVariancePercent > ReviewVarianceThreshold:
		return RecommendReview
	default:
		return RecommendOK
	}
}

// VarianceStats summarises estimated vs actual weight across completed runs.
type VarianceStats struct {
	CompletedRuns          int     `json:"completed_runs"`
	AverageVariancePercent float64 `json:"average_variance_percent"`
	AverageVarianceGrams   float64 `json:"average_variance_grams"`
	RunsOverEstimate       int     `json:"runs_over_estimate"`
	RunsUnderEstimate      int     `json:"runs_under_estimate"`
	TotalActualGrams       float64 `json:"total_actual_grams"`
	TotalEstimatedGrams    float64 `json:"total_estimated_grams"`
}

// HighVarianceProduct is a product ranked by how far its runs drift from the estimate.
type HighVarianceProduct struct {
	ProductID              ItemID         `json:"product_id"`
	ProductName            string         `json:"product_name"`
	RunCount               int            `json:"run_count"`
	AverageVariancePercent float64        `json:"average_variance_percent"`
	Recommendation         Recommendation `json:"recommendation"`
}

// VarianceTrendPoint is one completed run on the variance chart.
type VarianceTrendPoint struct {
	RunID           RunID     `json:"run_id"`
	RunNumber       string    `json:"run_number"`
	CompletedAt     time.Time `json:"completed_at"`
	VariancePercent float64   `json:"variance_percent"`
	VarianceGrams   float64   `json:"variance_grams"`
}

func (r ProductionRun) completed() bool {
	return r.Status == RunCompleted
}

// variancePercent is (actual - estimated) / estimated * 100; ok is false without an estimate.
func (r ProductionRun) variancePercent() (float64, bool) {
	if r.EstimatedWeightGrams == 0 {
		return 0, false
	}
	return (r.ActualWeightGrams - r.EstimatedWeightGrams) / r.EstimatedWeightGrams * 100, true
}

// FilterRunsByDateRange keeps runs completed inside r, bounds included.
// With no bounds the input slice is returned as is. Once a bound is set,
// runs that never completed are dropped.
func FilterRunsByDateRange(runs []ProductionRun, r DateRange) []ProductionRun {
	if r.Unbounded() {
		return runs
	}
	out := make([]ProductionRun, 0, len(runs))
	for _, run := range runs {
		if run.CompletedAt == nil {
			continue
		}
		if r.Contains(*run.CompletedAt) {
			out = append(out, run)
		}
	}
	return out
}

// CalculateVarianceStats aggregates variance over the completed runs in runs.
// Runs without an estimate count towards totals but not towards the percentage mean.
func CalculateVarianceStats(runs []ProductionRun) VarianceStats {
	var stats VarianceStats
	var pctSum, gramsSum float64
	var pctCount int

	for _, run := range runs {
		if !run.completed() {
			continue
		}
		stats.CompletedRuns++
		stats.TotalActualGrams += run.ActualWeightGrams
		stats.TotalEstimatedGrams += run.EstimatedWeightGrams
		gramsSum += run.ActualWeightGrams - run.EstimatedWeightGrams

		switch {
		case run.ActualWeightGrams > run.EstimatedWeightGrams:
			stats.RunsOverEstimate++
		case run.ActualWeightGrams < run.EstimatedWeightGrams:
			stats.RunsUnderEstimate++
		}
		if pct, ok := run.variancePercent(); ok {
			pctSum += pct
			pctCount++
		}
	}

	if stats.CompletedRuns > 0 {
		stats.AverageVarianceGrams = gramsSum / float64(stats.CompletedRuns)
	}
	if pctCount > 0 {
		stats.AverageVariancePercent = pctSum / float64(pctCount)
	}
	return stats
}

// GetHighVarianceProducts ranks products by average absolute variance percentage, highest
// first, and returns the top topN (all when topN <= 0). Only completed runs with an
// estimate are considered.
func GetHighVarianceProducts(runs []ProductionRun, topN int) []HighVarianceProduct {
	type group struct {
		name  string
		sum   float64
		count int
	}
	groups := map[ItemID]*group{}
	for _, run := range runs {
		if !run.completed() {
			continue
		}
		pct, ok := run.variancePercent()
		if !ok {
			continue
		}
		g, exists := groups[run.ProductID]
		if !exists {
			g = &group{name: run.ProductName}
			groups[run.ProductID] = g
		}
		g.sum += math.Abs(pct)
		g.count++
	}

	out := make([]HighVarianceProduct, 0, len(groups))
	for id, g := range groups {
		avg := g.sum / float64(g.count)
		out = append(out, HighVarianceProduct{
			ProductID:              id,
			ProductName:            g.name,
			RunCount:               g.count,
			AverageVariancePercent: avg,
			Recommendation:         RecommendationFor(avg),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageVariancePercent != out[j].AverageVariancePercent {
			return out[i].AverageVariancePercent > out[j].AverageVariancePercent
		}
		return out[i].ProductID < out[j].ProductID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// BuildVarianceTrend returns one chart point per completed run with an estimate, oldest first.
func BuildVarianceTrend(runs []ProductionRun) []VarianceTrendPoint {
	out := []VarianceTrendPoint{}
	for _, run := range runs {
		if !run.completed() || run.CompletedAt == nil {
			continue
		}
		pct, ok := run.variancePercent()
		if !ok {
			continue
		}
		out = append(out, VarianceTrendPoint{
			RunID:           run.ID,
			RunNumber:       run.RunNumber,
			CompletedAt:     *run.CompletedAt,
			VariancePercent: pct,
			VarianceGrams:   run.ActualWeightGrams - run.EstimatedWeightGrams,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	return out
}
