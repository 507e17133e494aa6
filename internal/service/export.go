package service

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

var runsCSVHeader = []string{
	"run_id", "run_number", "product_id", "product_name", "status",
	"started_at", "completed_at", "estimated_weight_grams", "actual_weight_grams",
	"variance_grams", "variance_percent",
}

// SerializeRunsToCSV renders runs as CSV with a header row.
// The variance percent column is empty for runs without an estimate.
func SerializeRunsToCSV(runs []ProductionRun) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(runsCSVHeader); err != nil {
		return "", fmt.Errorf("write runs header: %w", err)
	}
	for _, run := range runs {
		completed := ""
		if run.CompletedAt != nil {
			completed = run.CompletedAt.UTC().Format(time.RFC3339)
		}
		pct := ""
		if p, ok := run.variancePercent(); ok {
			pct = formatFloat(p)
		}
		record := []string{
			string(run.ID),
			run.RunNumber,
			string(run.ProductID),
			run.ProductName,
			string(run.Status),
			formatTime(run.StartedAt),
			completed,
			formatFloat(run.EstimatedWeightGrams),
			formatFloat(run.ActualWeightGrams),
			formatFloat(run.ActualWeightGrams - run.EstimatedWeightGrams),
			pct,
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("write run %s: %w", run.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush runs csv: %w", err)
	}
	return buf.String(), nil
}

// SerializeStatsToCSV renders variance stats as metric,value rows preceded by the date range.
func SerializeStatsToCSV(stats VarianceStats, r DateRange) (string, error) {
	rows := [][]string{
		{"metric", "value"},
		{"range_start", formatOptionalTime(r.Start)},
		{"range_end", formatOptionalTime(r.End)},
		{"completed_runs", strconv.Itoa(stats.CompletedRuns)},
		{"average_variance_percent", formatFloat(stats.AverageVariancePercent)},
		{"average_variance_grams", formatFloat(stats.AverageVarianceGrams)},
		{"runs_over_estimate", strconv.Itoa(stats.RunsOverEstimate)},
		{"runs_under_estimate", strconv.Itoa(stats.RunsUnderEstimate)},
		{"total_actual_grams", formatFloat(stats.TotalActualGrams)},
		{"total_estimated_grams", formatFloat(stats.TotalEstimatedGrams)},
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("write stats csv: %w", err)
	}
	return buf.String(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
