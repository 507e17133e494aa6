package service

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// UsageWindow is the look-back window of the usage history.
type UsageWindow int

const (
	WindowLast30Days UsageWindow = iota
	WindowLast90Days
	WindowAllTime
)

// String method for UsageWindow enum
func (w UsageWindow) String() string {
	switch w {
	case WindowLast30Days:
		return "30d"
	case WindowLast90Days:
		return "90d"
	case WindowAllTime:
		return "all"
	default:
		return "unknown"
	}
}

// ParseUsageWindow accepts "30d", "90d" and "all". An empty string means 30 days.
func ParseUsageWindow(s string) (UsageWindow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "30d", "30":
		return WindowLast30Days, nil
	case "90d", "90":
		return WindowLast90Days, nil
	case "all", "all-time", "alltime":
		return WindowAllTime, nil
	default:
		return 0, fmt.Errorf("unknown usage window %q", s)
	}
}

// Range returns the window as a date range ending at now.
func (w UsageWindow) Range(now time.Time) DateRange {
	var days int
	switch w {
	case WindowLast30Days:
		days = 30
	case WindowLast90Days:
		days = 90
	default:
		return DateRange{}
	}
	start := now.AddDate(0, 0, -days)
	end := now
	return DateRange{Start: &start, End: &end}
}

// FilterUsageByWindow keeps the records whose run date falls inside the window.
func FilterUsageByWindow(records []UsageRecord, window UsageWindow, now time.Time) []UsageRecord {
	r := window.Range(now)
	if r.Unbounded() {
		return records
	}
	out := make([]UsageRecord, 0, len(records))
	for _, rec := range records {
		if r.Contains(rec.RunDate) {
			out = append(out, rec)
		}
	}
	return out
}

// UsageRecordView is a usage record with its variance precomputed for display.
type UsageRecordView struct {
	UsageRecord
	VarianceGrams   float64  `json:"variance_grams"`
	VariancePercent *float64 `json:"variance_percent"`
}

// UsageStats summarises a material's consumption across past runs.
type UsageStats struct {
	RunCount               int               `json:"run_count"`
	TotalActualUsage       float64           `json:"total_actual_usage"`
	AverageUsagePerRun     float64           `json:"average_usage_per_run"`
	AverageVariancePercent float64           `json:"average_variance_percent"`
	CurrentStock           float64           `json:"current_stock"`
	EstimatedRunsRemaining *int              `json:"estimated_runs_remaining"`
	Records                []UsageRecordView `json:"records"`
}

// ComputeUsageStats aggregates usage records against the current stock.
//
// Records with a zero estimate are left out of the variance mean. EstimatedRunsRemaining
// is nil whenever the average usage is not positive.
func ComputeUsageStats(records []UsageRecord, currentStock float64) UsageStats {
	stats := UsageStats{
		RunCount:     len(records),
		CurrentStock: currentStock,
		Records:      make([]UsageRecordView, 0, len(records)),
	}

	var varianceSum float64
	var varianceCount int
	for _, rec := range records {
		stats.TotalActualUsage += rec.ActualWeightGrams
		view := UsageRecordView{
			UsageRecord:   rec,
			VarianceGrams: rec.ActualWeightGrams - rec.EstimatedWeightGrams,
		}
		if frac, ok := rec.VarianceFraction(); ok {
			pct := frac * 100
			view.VariancePercent = &pct
			varianceSum += pct
			varianceCount++
		}
		stats.Records = append(stats.Records, view)
	}

	if stats.RunCount > 0 {
		stats.AverageUsagePerRun = stats.TotalActualUsage / float64(stats.RunCount)
	}
	if varianceCount > 0 {
		stats.AverageVariancePercent = varianceSum / float64(varianceCount)
	}
	if stats.AverageUsagePerRun > 0 {
		remaining := int(math.Floor(math.Max(currentStock, 0) / stats.AverageUsagePerRun))
		stats.EstimatedRunsRemaining = &remaining
	}

	sort.SliceStable(stats.Records, func(i, j int) bool {
		return stats.Records[i].RunDate.After(stats.Records[j].RunDate)
	})
	return stats
}
