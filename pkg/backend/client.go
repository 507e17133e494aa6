package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TenantHeader scopes every data call to one tenant.
const TenantHeader = "X-Tenant-ID"

// Client talks to the inventory backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New returns a client for baseURL. A nil httpClient uses a client with a 30s timeout.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == http.StatusNotFound
}

// Login exchanges email+password for tokens.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
	}
	var tr TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", "", payload, &tr); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &tr, nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	payload := map[string]string{
		"refresh_token": refreshToken,
	}
	var tr TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", "", payload, &tr); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return &tr, nil
}

// GetProductionDefaults calls GET /api/v1/models/{id}/production-defaults.
func (c *Client) GetProductionDefaults(ctx context.Context, tenantID, modelID string) (*ProductionDefaults, error) {
	var out ProductionDefaults
	path := "/api/v1/models/" + url.PathEscape(modelID) + "/production-defaults"
	if err := c.do(ctx, http.MethodGet, path, tenantID, nil, &out); err != nil {
		return nil, fmt.Errorf("get production defaults %s: %w", modelID, err)
	}
	return &out, nil
}

// ListProductionRuns calls GET /api/v1/production-runs.
func (c *Client) ListProductionRuns(ctx context.Context, tenantID string, f RunFilter) ([]ProductionRun, error) {
	q := url.Values{}
	if f.SpoolID != "" {
		q.Set("spool_id", f.SpoolID)
	}
	setTime(q, "from", f.From)
	setTime(q, "to", f.To)

	path := "/api/v1/production-runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out RunList
	if err := c.do(ctx, http.MethodGet, path, tenantID, nil, &out); err != nil {
		return nil, fmt.Errorf("list production runs: %w", err)
	}
	return out.Runs, nil
}

// ListSpoolUsage calls GET /api/v1/spools/{id}/usage.
func (c *Client) ListSpoolUsage(ctx context.Context, tenantID, spoolID string, from, to *time.Time) ([]SpoolUsage, error) {
	q := url.Values{}
	setTime(q, "from", from)
	setTime(q, "to", to)

	path := "/api/v1/spools/" + url.PathEscape(spoolID) + "/usage"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out UsageList
	if err := c.do(ctx, http.MethodGet, path, tenantID, nil, &out); err != nil {
		return nil, fmt.Errorf("list spool usage %s: %w", spoolID, err)
	}
	return out.Records, nil
}

// GetSpool calls GET /api/v1/spools/{id}.
func (c *Client) GetSpool(ctx context.Context, tenantID, spoolID string) (*Spool, error) {
	var out Spool
	if err := c.do(ctx, http.MethodGet, "/api/v1/spools/"+url.PathEscape(spoolID), tenantID, nil, &out); err != nil {
		return nil, fmt.Errorf("get spool %s: %w", spoolID, err)
	}
	return &out, nil
}

// CreateProductionRun posts a run and returns its id.
func (c *Client) CreateProductionRun(ctx context.Context, tenantID string, req CreateRunRequest) (string, error) {
	// a run with no items or materials is a quick run, filled in later
	if req.Items == nil {
		req.Items = []CreateRunItem{}
	}
	if req.Materials == nil {
		req.Materials = []CreateRunMaterial{}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/production-runs", tenantID, req, &out); err != nil {
		return "", fmt.Errorf("create production run: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create production run: response has no id")
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path, tenantID string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if tenantID != "" {
		req.Header.Set(TenantHeader, tenantID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setTime(q url.Values, key string, t *time.Time) {
	if t != nil {
		q.Set(key, t.UTC().Format(time.RFC3339))
	}
}
