package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	mid "github.com/techize/batchivo-sub001/internal/middleware"
	"github.com/techize/batchivo-sub001/internal/service"
)

const dateOnly = "2006-01-02"

// parseDateRange reads the from/to query parameters. Both accept RFC3339 or YYYY-MM-DD;
// a date-only "to" covers that whole day.
func parseDateRange(r *http.Request) (service.DateRange, error) {
	var out service.DateRange
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, _, err := parseBound(v)
		if err != nil {
			return out, fmt.Errorf("invalid from: %w", err)
		}
		out.Start = &t
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, dayOnly, err := parseBound(v)
		if err != nil {
			return out, fmt.Errorf("invalid to: %w", err)
		}
		if dayOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		out.End = &t
	}
	if out.Start != nil && out.End != nil && out.End.Before(*out.Start) {
		return out, fmt.Errorf("to is before from")
	}
	return out, nil
}

func parseBound(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(dateOnly, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("want RFC3339 or %s, got %q", dateOnly, v)
	}
	return t, true, nil
}

func rangeKey(r service.DateRange) string {
	f := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return f(r.Start) + "|" + f(r.End)
}

func tenantPrefix(tenantID string) string {
	return tenantID + "|"
}

// invalidateTenant drops every cached read of one tenant.
func (h *Handler) invalidateTenant(tenantID string) int {
	p := tenantPrefix(tenantID)
	return h.runs.InvalidatePrefix(p) + h.usage.InvalidatePrefix(p) + h.stock.InvalidatePrefix(p)
}

// loadRuns returns the tenant's runs inside dr. A failing collaborator degrades to no runs.
func (h *Handler) loadRuns(ctx context.Context, tenantID string, dr service.DateRange) ([]service.ProductionRun, bool) {
	key := tenantPrefix(tenantID) + "runs|" + rangeKey(dr)
	runs, err := h.runs.GetOrLoad(ctx, key, func(ctx context.Context) ([]service.ProductionRun, error) {
		return h.history.ListProductionRuns(ctx, tenantID, service.RunFilter{Range: dr})
	})
	if err != nil {
		h.logger.Warn("historical runs unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return []service.ProductionRun{}, true
	}
	return service.FilterRunsByDateRange(runs, dr), false
}

type varianceResponse struct {
	Range    service.DateRange     `json:"range"`
	Stats    service.VarianceStats `json:"stats"`
	Degraded bool                  `json:"degraded"`
}

func (h *Handler) varianceStats(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, degraded := h.loadRuns(r.Context(), mid.TenantID(r.Context()), dr)
	writeJSON(w, http.StatusOK, varianceResponse{
		Range:    dr,
		Stats:    service.CalculateVarianceStats(runs),
		Degraded: degraded,
	})
}

func (h *Handler) varianceProducts(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topN := 10
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid top")
			return
		}
		topN = n
	}
	runs, degraded := h.loadRuns(r.Context(), mid.TenantID(r.Context()), dr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"range":    dr,
		"products": service.GetHighVarianceProducts(runs, topN),
		"degraded": degraded,
	})
}

func (h *Handler) varianceTrend(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, degraded := h.loadRuns(r.Context(), mid.TenantID(r.Context()), dr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"range":    dr,
		"points":   service.BuildVarianceTrend(runs),
		"degraded": degraded,
	})
}

func (h *Handler) runsCSV(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, _ := h.loadRuns(r.Context(), mid.TenantID(r.Context()), dr)
	body, err := service.SerializeRunsToCSV(runs)
	if err != nil {
		h.logger.Error("serialize runs csv", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCSV(w, "production-runs", body)
}

func (h *Handler) varianceCSV(w http.ResponseWriter, r *http.Request) {
	dr, err := parseDateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, _ := h.loadRuns(r.Context(), mid.TenantID(r.Context()), dr)
	body, err := service.SerializeStatsToCSV(service.CalculateVarianceStats(runs), dr)
	if err != nil {
		h.logger.Error("serialize variance csv", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeCSV(w, "variance-stats", body)
}

func writeCSV(w http.ResponseWriter, name, body string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

type usageResponse struct {
	MaterialID service.MaterialID `json:"material_id"`
	Window     string             `json:"window"`
	Stats      service.UsageStats `json:"stats"`
	Degraded   bool               `json:"degraded"`
}

// materialUsage reports a material's usage over a look-back window and how many more
// runs its current stock covers.
func (h *Handler) materialUsage(w http.ResponseWriter, r *http.Request) {
	window, err := service.ParseUsageWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	tenantID := mid.TenantID(ctx)
	materialID := service.MaterialID(chi.URLParam(r, "materialID"))
	now := h.now()
	prefix := tenantPrefix(tenantID)

	stock, err := h.stock.GetOrLoad(ctx, prefix+"stock|"+string(materialID), func(ctx context.Context) (float64, error) {
		return h.history.GetMaterialStock(ctx, tenantID, materialID)
	})
	stockKnown := true
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			h.writeServiceError(w, err)
			return
		}
		h.logger.Warn("material stock unavailable", zap.String("material_id", string(materialID)), zap.Error(err))
		stockKnown = false
	}

	degraded := !stockKnown
	records, err := h.usage.GetOrLoad(ctx, prefix+"usage|"+string(materialID)+"|"+window.String(), func(ctx context.Context) ([]service.UsageRecord, error) {
		return h.history.ListMaterialUsage(ctx, tenantID, materialID, window.Range(now))
	})
	if err != nil {
		h.logger.Warn("material usage unavailable", zap.String("material_id", string(materialID)), zap.Error(err))
		records = nil
		degraded = true
	}

	stats := service.ComputeUsageStats(service.FilterUsageByWindow(records, window, now), stock)
	if !stockKnown {
		stats.EstimatedRunsRemaining = nil
	}
	writeJSON(w, http.StatusOK, usageResponse{
		MaterialID: materialID,
		Window:     window.String(),
		Stats:      stats,
		Degraded:   degraded,
	})
}

type invalidateRequest struct {
	TenantID string `json:"tenant_id"`
}

// invalidateCache drops cached history reads of the caller's tenant. Only platform admins
// may name another tenant.
func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	tenantID := mid.TenantID(r.Context())
	if req.TenantID != "" && req.TenantID != tenantID {
		if !mid.IsPlatformAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "cannot invalidate another tenant's cache")
			return
		}
		tenantID = req.TenantID
	}
	n := h.invalidateTenant(tenantID)
	h.logger.Info("cache invalidated", zap.String("tenant_id", tenantID), zap.Int("dropped", n), zap.String("by", mid.UserID(r.Context())))
	writeJSON(w, http.StatusOK, map[string]interface{}{"tenant_id": tenantID, "dropped": n})
}
