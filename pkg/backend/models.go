package backend

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPError carries the status and body of a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d: %s", e.Status, e.Body)
}

// TokenResponse represents a login/refresh result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
	} `json:"user"`
}

// BOMMaterial is a model's material line as returned by the backend.
type BOMMaterial struct {
	SpoolID            string          `json:"spool_id"`
	MaterialName       string          `json:"material_name"`
	MaterialTypeCode   string          `json:"material_type_code"`
	Color              string          `json:"color"`
	ColorHex           string          `json:"color_hex"`
	WeightGrams        float64         `json:"weight_grams"`
	CostPerGram        decimal.Decimal `json:"cost_per_gram"`
	CurrentWeightGrams float64         `json:"current_weight"`
	IsActive           bool            `json:"is_active"`
}

// ProductionDefaults is the production-defaults document of a model.
type ProductionDefaults struct {
	ModelID          string        `json:"model_id"`
	PrintTimeMinutes int           `json:"print_time_minutes"`
	UnitsPerBatch    int           `json:"units_per_batch"`
	BOMMaterials     []BOMMaterial `json:"bom_materials"`
}

// ProductionRun is a historical run summary.
type ProductionRun struct {
	ID                   string     `json:"id"`
	RunNumber            string     `json:"run_number"`
	ProductID            string     `json:"product_id"`
	ProductName          string     `json:"product_name"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedTotalWeight float64    `json:"estimated_total_weight"`
	ActualTotalWeight    float64    `json:"actual_total_weight"`
}

// RunList is the paged response of the runs listing.
type RunList struct {
	Runs  []ProductionRun `json:"runs"`
	Total int             `json:"total"`
}

// SpoolUsage is one run's consumption of a spool.
type SpoolUsage struct {
	RunID                string    `json:"run_id"`
	RunNumber            string    `json:"run_number"`
	RunDate              time.Time `json:"run_date"`
	EstimatedWeightGrams float64   `json:"estimated_weight"`
	ActualWeightGrams    float64   `json:"actual_weight"`
}

// UsageList wraps the usage records of a spool.
type UsageList struct {
	Records []SpoolUsage `json:"records"`
}

// Spool is the subset of a spool the client reads.
type Spool struct {
	ID                 string  `json:"id"`
	CurrentWeightGrams float64 `json:"current_weight"`
}

// CreateRunItem is a run line in a creation request.
type CreateRunItem struct {
	ModelID     string `json:"model_id"`
	Quantity    int    `json:"quantity"`
	BedPosition string `json:"bed_position,omitempty"`
}

// CreateRunMaterial is a spool allocation in a creation request.
type CreateRunMaterial struct {
	SpoolID                     string          `json:"spool_id"`
	EstimatedModelWeightGrams   float64         `json:"estimated_model_weight_grams"`
	EstimatedFlushedWeightGrams float64         `json:"estimated_flushed_grams"`
	EstimatedTowerWeightGrams   float64         `json:"estimated_tower_grams"`
	CostPerGram                 decimal.Decimal `json:"cost_per_gram"`
}

// CreateRunRequest creates a run with its items and materials in one call.
type CreateRunRequest struct {
	RunNumber               string              `json:"run_number,omitempty"`
	PrinterName             string              `json:"printer_name,omitempty"`
	StartedAt               *time.Time          `json:"started_at,omitempty"`
	EstimatedPrintTimeHours float64             `json:"estimated_print_time_hours,omitempty"`
	BedTemperature          *int                `json:"bed_temperature,omitempty"`
	NozzleTemperature       *int                `json:"nozzle_temperature,omitempty"`
	Notes                   string              `json:"notes,omitempty"`
	Items                   []CreateRunItem     `json:"items"`
	Materials               []CreateRunMaterial `json:"materials"`
}

// RunFilter narrows ListProductionRuns. Zero values are omitted.
type RunFilter struct {
	SpoolID string
	From    *time.Time
	To      *time.Time
}
