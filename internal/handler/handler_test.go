package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/remote"
	"github.com/techize/batchivo-sub001/internal/service"
	"github.com/techize/batchivo-sub001/internal/utils"
	authpkg "github.com/techize/batchivo-sub001/pkg/auth"
	"github.com/techize/batchivo-sub001/pkg/backend"
)

const testSecret = "handler-secret"

type fakeBackend struct {
	mu          sync.Mutex
	defaults    map[service.ItemID]*service.ItemProductionDefaults
	runs        []service.ProductionRun
	usage       map[service.MaterialID][]service.UsageRecord
	stock       map[service.MaterialID]float64
	runsErr     error
	submitErr   error
	runCalls    int
	submissions []service.RunSubmission
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		defaults: map[service.ItemID]*service.ItemProductionDefaults{},
		usage:    map[service.MaterialID][]service.UsageRecord{},
		stock:    map[service.MaterialID]float64{},
	}
}

func (f *fakeBackend) FetchItemProductionDefaults(_ context.Context, _ string, id service.ItemID) (*service.ItemProductionDefaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defaults[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, service.ErrNotFound)
	}
	return d, nil
}

func (f *fakeBackend) ListProductionRuns(_ context.Context, _ string, _ service.RunFilter) ([]service.ProductionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runsErr != nil {
		return nil, f.runsErr
	}
	return append([]service.ProductionRun{}, f.runs...), nil
}

func (f *fakeBackend) ListMaterialUsage(_ context.Context, _ string, id service.MaterialID, _ service.DateRange) ([]service.UsageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[id], nil
}

func (f *fakeBackend) GetMaterialStock(_ context.Context, _ string, id service.MaterialID) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stock[id]
	if !ok {
		return 0, fmt.Errorf("material %s: %w", id, service.ErrNotFound)
	}
	return s, nil
}

func (f *fakeBackend) SubmitProductionRun(_ context.Context, _ string, sub service.RunSubmission) (service.RunID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	return service.RunID(fmt.Sprintf("run-%d", len(f.submissions))), nil
}

type fakeTokens struct{}

func (fakeTokens) Login(_ context.Context, email, password string) (*backend.TokenResponse, error) {
	if password != "pw" {
		return nil, &backend.HTTPError{Status: http.StatusUnauthorized}
	}
	tr := &backend.TokenResponse{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 60}
	tr.User.ID = "u-" + email
	return tr, nil
}

func (fakeTokens) RefreshToken(_ context.Context, refreshToken string) (*backend.TokenResponse, error) {
	if refreshToken != "rt" {
		return nil, &backend.HTTPError{Status: http.StatusUnauthorized}
	}
	return &backend.TokenResponse{AccessToken: "at-2", ExpiresIn: 60}, nil
}

type testEnv struct {
	t       *testing.T
	backend *fakeBackend
	server  *httptest.Server
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	fb := newFakeBackend()
	o := Options{
		Auth:            authpkg.NewJWT(testSecret, "", ""),
		Sessions:        service.NewSessionStore(fb, time.Hour, service.WizardOptions{FetchTimeout: time.Second}),
		History:         fb,
		Logger:          zap.NewNop(),
		HistoryCacheTTL: time.Minute,
		SubmitTimeout:   time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv := httptest.NewServer(NewRouter(o))
	t.Cleanup(srv.Close)
	return &testEnv{t: t, backend: fb, server: srv}
}

func tokenFor(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

// do sends a request as tenant (empty tenant means anonymous) and decodes a JSON response into out.
func (e *testEnv) do(method, path, tenant string, body interface{}, out interface{}) *http.Response {
	e.t.Helper()
	return e.doClaims(method, path, jwt.MapClaims{"sub": "user-1", "tenant_id": tenant}, tenant == "", body, out)
}

func (e *testEnv) doClaims(method, path string, claims jwt.MapClaims, anonymous bool, body interface{}, out interface{}) *http.Response {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !anonymous {
		req.Header.Set("Authorization", "Bearer "+tokenFor(e.t, claims))
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(e.t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp
}

func bomLine(id service.MaterialID, name string, grams float64, stock float64) service.BOMLine {
	return service.BOMLine{
		MaterialID:         id,
		MaterialName:       name,
		MaterialTypeCode:   "PLA",
		Color:              name,
		WeightGramsPerUnit: grams,
		CostPerGram:        decimal.RequireFromString("0.02"),
		CurrentStockWeight: stock,
		IsActive:           true,
	}
}

type wizardJSON struct {
	ID       string                  `json:"id"`
	Step     string                  `json:"step"`
	Status   string                  `json:"status"`
	RunID    string                  `json:"run_id"`
	State    service.WizardFormState `json:"state"`
	Defaults map[string]string       `json:"defaults"`
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	resp := env.do(http.MethodGet, "/health", "", nil, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHealth_NotReady(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("db down") }
	})
	resp := env.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/api/wizard", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWizard_FullFlow(t *testing.T) {
	env := newTestEnv(t)
	env.backend.defaults["dragon"] = &service.ItemProductionDefaults{
		ItemID: "dragon",
		BillOfMaterials: []service.BOMLine{
			bomLine("red", "Red", 50, 1000),
			bomLine("blue", "Blue", 10, 5),
		},
	}
	env.backend.defaults["vase"] = &service.ItemProductionDefaults{
		ItemID:          "vase",
		BillOfMaterials: []service.BOMLine{bomLine("red", "Red", 80, 1000)},
	}

	var wz wizardJSON
	resp := env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "basic_info", wz.Step)
	base := "/api/wizard/" + wz.ID

	resp = env.do(http.MethodPut, base+"/basic-info", "t1", map[string]interface{}{"run_number": "RUN-9", "printer_name": "MK4"}, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RUN-9", wz.State.BasicInfo.RunNumber)

	resp = env.do(http.MethodPost, base+"/next", "t1", nil, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "items", wz.Step)

	resp = env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": "dragon", "name": "Dragon", "quantity": 2}, &wz)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": "vase", "name": "Vase", "quantity": 0}, &wz)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, wz.State.Items[1].Quantity)

	// duplicate selection is a no-op
	resp = env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": "vase", "quantity": 5}, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, wz.State.Items, 2)

	var sugg struct {
		Suggestions []service.SuggestedMaterial `json:"suggestions"`
		Complete    bool                        `json:"complete"`
	}
	resp = env.do(http.MethodGet, base+"/suggestions?wait=true", "t1", nil, &sugg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, sugg.Complete)
	require.Len(t, sugg.Suggestions, 2)
	assert.Equal(t, service.MaterialID("red"), sugg.Suggestions[0].MaterialID)
	assert.Equal(t, 180.0, sugg.Suggestions[0].TotalWeightGrams)
	assert.False(t, sugg.Suggestions[1].SufficientStock)

	var applied struct {
		Applied int        `json:"applied"`
		Wizard  wizardJSON `json:"wizard"`
	}
	resp = env.do(http.MethodPost, base+"/suggestions/apply", "t1", nil, &applied)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, applied.Applied)
	resp = env.do(http.MethodPost, base+"/suggestions/apply", "t1", nil, &applied)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, applied.Applied)

	resp = env.do(http.MethodPatch, base+"/materials/red", "t1", map[string]interface{}{"flushed_weight_grams": 12.5, "tower_weight_grams": -3}, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 12.5, wz.State.Materials[0].FlushedWeightGrams)
	assert.Equal(t, 0.0, wz.State.Materials[0].TowerWeightGrams)

	resp = env.do(http.MethodPost, base+"/submit", "t1", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "submit is only allowed from review")

	env.do(http.MethodPost, base+"/next", "t1", nil, &wz)
	env.do(http.MethodPost, base+"/next", "t1", nil, &wz)
	assert.Equal(t, "review", wz.Step)

	var review service.ReviewSummary
	resp = env.do(http.MethodGet, base+"/review", "t1", nil, &review)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, review.TotalUnits)
	assert.Equal(t, 212.5, review.TotalWeightGrams)
	assert.Equal(t, []service.MaterialID{"blue"}, review.InsufficientMaterials)

	var submitted map[string]string
	resp = env.do(http.MethodPost, base+"/submit", "t1", nil, &submitted)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "run-1", submitted["run_id"])
	require.Len(t, env.backend.submissions, 1)
	assert.Equal(t, "RUN-9", env.backend.submissions[0].BasicInfo.RunNumber)
	assert.Len(t, env.backend.submissions[0].Materials, 2)

	resp = env.do(http.MethodGet, base, "t1", nil, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "submitted", wz.Status)
	assert.Empty(t, wz.State.Items)

	resp = env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": "vase"}, nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestWizard_SubmitFailureKeepsForm(t *testing.T) {
	env := newTestEnv(t)
	env.backend.submitErr = errors.New("backend unavailable")

	var wz wizardJSON
	env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)
	base := "/api/wizard/" + wz.ID
	env.do(http.MethodPost, base+"/materials", "t1", map[string]interface{}{"material_id": "red", "model_weight_grams": 40}, nil)
	for i := 0; i < 3; i++ {
		env.do(http.MethodPost, base+"/next", "t1", nil, nil)
	}

	resp := env.do(http.MethodPost, base+"/submit", "t1", nil, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = env.do(http.MethodGet, base, "t1", nil, &wz)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", wz.Status)
	require.Len(t, wz.State.Materials, 1)

	// retry after the backend recovers
	env.backend.mu.Lock()
	env.backend.submitErr = nil
	env.backend.mu.Unlock()
	resp = env.do(http.MethodPost, base+"/submit", "t1", nil, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestWizard_TenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	var wz wizardJSON
	env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)

	resp := env.do(http.MethodGet, "/api/wizard/"+wz.ID, "t2", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodDelete, "/api/wizard/"+wz.ID, "t1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(http.MethodGet, "/api/wizard/"+wz.ID, "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWizard_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	var wz wizardJSON
	env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)
	base := "/api/wizard/" + wz.ID

	resp := env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": " "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodPatch, base+"/items/ghost", "t1", map[string]interface{}{"quantity": 2}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodDelete, base+"/materials/ghost", "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodPost, base+"/back", "t1", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWizard_FailedDefaultsAreReported(t *testing.T) {
	env := newTestEnv(t)
	var wz wizardJSON
	env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)
	base := "/api/wizard/" + wz.ID
	env.do(http.MethodPost, base+"/items", "t1", map[string]interface{}{"item_id": "unknown"}, nil)

	var sugg struct {
		Suggestions []service.SuggestedMaterial `json:"suggestions"`
		Defaults    map[string]string           `json:"defaults"`
	}
	resp := env.do(http.MethodGet, base+"/suggestions?wait=true", "t1", nil, &sugg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, sugg.Suggestions)
	assert.Equal(t, "failed", sugg.Defaults["unknown"])
}

func completedRun(id, product string, est, act float64, at time.Time) service.ProductionRun {
	return service.ProductionRun{
		ID:                   service.RunID(id),
		RunNumber:            "RUN-" + id,
		ProductID:            service.ItemID(product),
		ProductName:          strings.ToUpper(product),
		Status:               service.RunCompleted,
		StartedAt:            at.Add(-time.Hour),
		CompletedAt:          &at,
		EstimatedWeightGrams: est,
		ActualWeightGrams:    act,
	}
}

func TestAnalytics_Variance(t *testing.T) {
	env := newTestEnv(t)
	day := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	env.backend.runs = []service.ProductionRun{
		completedRun("1", "a", 100, 118, day),
		completedRun("2", "b", 100, 92, day.AddDate(0, 0, 1)),
		completedRun("3", "a", 100, 100, day.AddDate(0, 1, 0)),
	}

	var body struct {
		Stats    service.VarianceStats `json:"stats"`
		Degraded bool                  `json:"degraded"`
	}
	resp := env.do(http.MethodGet, "/api/analytics/variance?from=2026-05-01&to=2026-05-31", "t1", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, body.Degraded)
	assert.Equal(t, 2, body.Stats.CompletedRuns)
	assert.Equal(t, 1, body.Stats.RunsOverEstimate)
	assert.Equal(t, 1, body.Stats.RunsUnderEstimate)

	var products struct {
		Products []service.HighVarianceProduct `json:"products"`
	}
	resp = env.do(http.MethodGet, "/api/analytics/variance/products?top=1", "t1", nil, &products)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, products.Products, 1)

	resp = env.do(http.MethodGet, "/api/analytics/variance?from=yesterday", "t1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodGet, "/api/analytics/variance?from=2026-06-01&to=2026-05-01", "t1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalytics_DegradesWhenHistoryFails(t *testing.T) {
	env := newTestEnv(t)
	env.backend.runsErr = errors.New("timeout")

	var body struct {
		Stats    service.VarianceStats `json:"stats"`
		Degraded bool                  `json:"degraded"`
	}
	resp := env.do(http.MethodGet, "/api/analytics/variance", "t1", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Degraded)
	assert.Equal(t, 0, body.Stats.CompletedRuns)
}

func TestAnalytics_RunsCSV(t *testing.T) {
	env := newTestEnv(t)
	env.backend.runs = []service.ProductionRun{completedRun("1", "a", 100, 110, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC))}

	resp := env.do(http.MethodGet, "/api/analytics/runs.csv", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	raw, _ := io.ReadAll(resp.Body)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "run_id,run_number"))
	assert.True(t, strings.HasSuffix(lines[1], ",10.00,10.00"))

	resp = env.do(http.MethodGet, "/api/analytics/variance.csv", "t1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "completed_runs,1")
}

func TestAnalytics_CacheInvalidatedBySubmit(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodGet, "/api/analytics/variance", "t1", nil, nil)
	env.do(http.MethodGet, "/api/analytics/variance/trend", "t1", nil, nil)
	assert.Equal(t, 1, env.backend.runCalls, "second read is served from cache")

	var wz wizardJSON
	env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz)
	for i := 0; i < 3; i++ {
		env.do(http.MethodPost, "/api/wizard/"+wz.ID+"/next", "t1", nil, nil)
	}
	resp := env.do(http.MethodPost, "/api/wizard/"+wz.ID+"/submit", "t1", nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	env.do(http.MethodGet, "/api/analytics/variance", "t1", nil, nil)
	assert.Equal(t, 2, env.backend.runCalls)
}

func TestAdmin_CacheInvalidateRequiresRole(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/api/admin/cache/invalidate", "t1", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	env.do(http.MethodGet, "/api/analytics/variance", "t1", nil, nil)
	var body map[string]interface{}
	resp = env.doClaims(http.MethodPost, "/api/admin/cache/invalidate",
		jwt.MapClaims{"sub": "admin", "tenant_id": "t1", "role": "admin"}, false, nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["dropped"])
}

func TestAdmin_CacheInvalidateStaysInTenant(t *testing.T) {
	env := newTestEnv(t)
	env.do(http.MethodGet, "/api/analytics/variance", "t2", nil, nil)
	require.Equal(t, 1, env.backend.runCalls)

	resp := env.doClaims(http.MethodPost, "/api/admin/cache/invalidate",
		jwt.MapClaims{"sub": "admin", "tenant_id": "t1", "role": "admin"}, false,
		map[string]string{"tenant_id": "t2"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// t2 is still served from cache
	env.do(http.MethodGet, "/api/analytics/variance", "t2", nil, nil)
	assert.Equal(t, 1, env.backend.runCalls)

	var body map[string]interface{}
	resp = env.doClaims(http.MethodPost, "/api/admin/cache/invalidate",
		jwt.MapClaims{"sub": "ops", "tenant_id": "t1", "role": "admin", "platform_admin": true}, false,
		map[string]string{"tenant_id": "t2"}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t2", body["tenant_id"])
	assert.EqualValues(t, 1, body["dropped"])

	// naming one's own tenant needs no extra claim
	resp = env.doClaims(http.MethodPost, "/api/admin/cache/invalidate",
		jwt.MapClaims{"sub": "admin", "tenant_id": "t1", "role": "admin"}, false,
		map[string]string{"tenant_id": "t1"}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandler_RunPurgesExpiredCacheEntries(t *testing.T) {
	fb := newFakeBackend()
	h := New(Options{
		Auth:            authpkg.NewJWT(testSecret, "", ""),
		Sessions:        service.NewSessionStore(fb, time.Hour, service.WizardOptions{}),
		History:         fb,
		HistoryCacheTTL: time.Millisecond,
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	env := &testEnv{t: t, backend: fb, server: srv}

	// every distinct range is its own entry
	for i := 1; i <= 5; i++ {
		resp := env.do(http.MethodGet, fmt.Sprintf("/api/analytics/variance?from=2026-01-0%d", i), "t1", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	require.Equal(t, 5, h.runs.Len())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx, 2*time.Millisecond)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return h.runs.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaterialUsage(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.backend.stock["red"] = 500
	env.backend.usage["red"] = []service.UsageRecord{
		{RunID: "r1", RunDate: now.AddDate(0, 0, -5), EstimatedWeightGrams: 100, ActualWeightGrams: 110},
		{RunID: "r2", RunDate: now.AddDate(0, 0, -10), EstimatedWeightGrams: 0, ActualWeightGrams: 90},
		{RunID: "r3", RunDate: now.AddDate(0, 0, -60), EstimatedWeightGrams: 100, ActualWeightGrams: 100},
	}

	var body struct {
		Window string             `json:"window"`
		Stats  service.UsageStats `json:"stats"`
	}
	resp := env.do(http.MethodGet, "/api/materials/red/usage", "t1", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "30d", body.Window)
	assert.Equal(t, 2, body.Stats.RunCount)
	assert.Equal(t, 100.0, body.Stats.AverageUsagePerRun)
	assert.InDelta(t, 10.0, body.Stats.AverageVariancePercent, 1e-9)
	require.NotNil(t, body.Stats.EstimatedRunsRemaining)
	assert.Equal(t, 5, *body.Stats.EstimatedRunsRemaining)

	resp = env.do(http.MethodGet, "/api/materials/red/usage?window=all", "t1", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, body.Stats.RunCount)

	resp = env.do(http.MethodGet, "/api/materials/red/usage?window=7y", "t1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(http.MethodGet, "/api/materials/ghost/usage", "t1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMaterialUsage_NoHistory(t *testing.T) {
	env := newTestEnv(t)
	env.backend.stock["red"] = 500

	var body struct {
		Stats service.UsageStats `json:"stats"`
	}
	resp := env.do(http.MethodGet, "/api/materials/red/usage", "t1", nil, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.0, body.Stats.AverageUsagePerRun)
	assert.Nil(t, body.Stats.EstimatedRunsRemaining)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@b.com", "password": "pw"}, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	env = newTestEnv(t, func(o *Options) { o.Tokens = fakeTokens{} })
	var body map[string]interface{}
	resp = env.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@b.com", "password": "pw"}, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "at", body["access_token"])
	names := map[string]bool{}
	for _, c := range resp.Cookies() {
		names[c.Name] = true
	}
	assert.True(t, names["access_token"])
	assert.True(t, names["refresh_token"])

	resp = env.do(http.MethodPost, "/auth/login", "", map[string]string{"email": "a@b.com", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(http.MethodPost, "/auth/logout", "", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodPost, "/auth/refresh", "", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	env = newTestEnv(t, func(o *Options) {
		o.Tokens = fakeTokens{}
		o.Cookies = utils.CookiePolicy{Path: "/"}
	})
	refresh := func(cookie string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/auth/refresh", nil)
		require.NoError(t, err)
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: "refresh_token", Value: cookie})
		}
		resp, err := env.server.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, refresh("").StatusCode)

	resp = refresh("rt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "at-2", body["access_token"])
	cookies := map[string]string{}
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c.Value
	}
	assert.Equal(t, "at-2", cookies["access_token"])

	resp = refresh("stale")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	cleared := map[string]bool{}
	for _, c := range resp.Cookies() {
		cleared[c.Name] = c.MaxAge < 0
	}
	assert.True(t, cleared["access_token"])
	assert.True(t, cleared["refresh_token"])
}

func TestWizard_QuickRunThroughRemoteBackend(t *testing.T) {
	var created []backend.CreateRunRequest
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/production-runs", r.URL.Path)
		var req backend.CreateRunRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		created = append(created, req)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"run-quick"}`))
	}))
	t.Cleanup(upstream.Close)
	be := remote.New(backend.New(upstream.URL, "key", upstream.Client()), nil)

	env := newTestEnv(t, func(o *Options) {
		o.Sessions = service.NewSessionStore(be, time.Hour, service.WizardOptions{})
		o.History = be
	})

	var wz wizardJSON
	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/wizard", "t1", nil, &wz).StatusCode)
	base := "/api/wizard/" + wz.ID
	env.do(http.MethodPut, base+"/basic-info", "t1", map[string]interface{}{"run_number": "QUICK-1"}, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, base+"/next", "t1", nil, nil).StatusCode)
	}

	resp := env.do(http.MethodPost, base+"/submit", "t1", nil, &wz)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "run-quick", wz.RunID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 1)
	assert.Equal(t, "QUICK-1", created[0].RunNumber)
	assert.Empty(t, created[0].Items)
	assert.Empty(t, created[0].Materials)
}
