package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ItemID identifies a catalog item (model/product).
type ItemID string

// MaterialID identifies a material (spool).
type MaterialID string

// RunID identifies a persisted production run.
type RunID string

// CatalogItemSelection is a catalog item picked in the items step.
type CatalogItemSelection struct {
	ItemID      ItemID `json:"item_id"`
	Name        string `json:"name"`
	SKU         string `json:"sku"`
	Quantity    int    `json:"quantity"`
	BedPosition string `json:"bed_position,omitempty"`
}

// NewCatalogItemSelection validates the id and clamps quantity to at least 1.
func NewCatalogItemSelection(id ItemID, name, sku string, quantity int) (CatalogItemSelection, error) {
	if strings.TrimSpace(string(id)) == "" {
		return CatalogItemSelection{}, fmt.Errorf("item id cannot be empty")
	}
	return CatalogItemSelection{
		ItemID:   id,
		Name:     name,
		SKU:      sku,
		Quantity: clampQuantity(quantity),
	}, nil
}

func clampQuantity(q int) int {
	if q < 1 {
		return 1
	}
	return q
}

func clampWeight(g float64) float64 {
	if g < 0 {
		return 0
	}
	return g
}

// BOMLine is one material requirement of a catalog item, per produced unit.
type BOMLine struct {
	MaterialID         MaterialID      `json:"material_id"`
	MaterialName       string          `json:"material_name"`
	MaterialTypeCode   string          `json:"material_type_code"`
	Color              string          `json:"color"`
	ColorHex           string          `json:"color_hex,omitempty"`
	WeightGramsPerUnit float64         `json:"weight_grams_per_unit"`
	CostPerGram        decimal.Decimal `json:"cost_per_gram"`
	CurrentStockWeight float64         `json:"current_stock_weight"`
	IsActive           bool            `json:"is_active"`
}

// ItemProductionDefaults holds the production defaults fetched for a catalog item.
type ItemProductionDefaults struct {
	ItemID           ItemID    `json:"item_id"`
	PrintTimeMinutes int       `json:"print_time_minutes"`
	UnitsPerBatch    int       `json:"units_per_batch"`
	BillOfMaterials  []BOMLine `json:"bill_of_materials"`
}

// ContributingItem records how much one selected item adds to a suggestion.
type ContributingItem struct {
	ItemID      ItemID  `json:"item_id"`
	Quantity    int     `json:"quantity"`
	WeightGrams float64 `json:"weight_grams"`
}

// SuggestedMaterial is a derived allocation proposal; it is never persisted.
type SuggestedMaterial struct {
	MaterialID         MaterialID         `json:"material_id"`
	MaterialName       string             `json:"material_name"`
	MaterialTypeCode   string             `json:"material_type_code"`
	Color              string             `json:"color"`
	ColorHex           string             `json:"color_hex,omitempty"`
	TotalWeightGrams   float64            `json:"total_weight_grams"`
	CostPerGram        decimal.Decimal    `json:"cost_per_gram"`
	CurrentStockWeight float64            `json:"current_stock_weight"`
	IsActive           bool               `json:"is_active"`
	SufficientStock    bool               `json:"sufficient_stock"`
	ContributingItems  []ContributingItem `json:"contributing_items"`
}

// MaterialAllocation is a material line of the run being created.
type MaterialAllocation struct {
	MaterialID         MaterialID      `json:"material_id"`
	DisplayName        string          `json:"display_name"`
	MaterialTypeCode   string          `json:"material_type_code"`
	ModelWeightGrams   float64         `json:"model_weight_grams"`
	FlushedWeightGrams float64         `json:"flushed_weight_grams"`
	TowerWeightGrams   float64         `json:"tower_weight_grams"`
	CostPerGram        decimal.Decimal `json:"cost_per_gram"`
	CurrentStockWeight float64         `json:"current_stock_weight"`
}

// TotalWeightGrams is model + flushed + tower weight.
func (m MaterialAllocation) TotalWeightGrams() float64 {
	return m.ModelWeightGrams + m.FlushedWeightGrams + m.TowerWeightGrams
}

// normalized returns a copy with every weight clamped to >= 0.
func (m MaterialAllocation) normalized() MaterialAllocation {
	m.ModelWeightGrams = clampWeight(m.ModelWeightGrams)
	m.FlushedWeightGrams = clampWeight(m.FlushedWeightGrams)
	m.TowerWeightGrams = clampWeight(m.TowerWeightGrams)
	m.CurrentStockWeight = clampWeight(m.CurrentStockWeight)
	return m
}

// WeightKind selects one of the three editable weights of an allocation.
type WeightKind int

const (
	WeightModel WeightKind = iota
	WeightFlushed
	WeightTower
)

// String method for WeightKind enum
func (k WeightKind) String() string {
	switch k {
	case WeightModel:
		return "model"
	case WeightFlushed:
		return "flushed"
	case WeightTower:
		return "tower"
	default:
		return "unknown"
	}
}

// ParseWeightKind maps "model", "flushed" and "tower" to a WeightKind.
func ParseWeightKind(s string) (WeightKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "model":
		return WeightModel, nil
	case "flushed":
		return WeightFlushed, nil
	case "tower":
		return WeightTower, nil
	default:
		return 0, fmt.Errorf("unknown weight kind %q", s)
	}
}

// BasicInfo is the first wizard step. Every field is optional.
type BasicInfo struct {
	RunNumber               string     `json:"run_number,omitempty"`
	PrinterName             string     `json:"printer_name,omitempty"`
	StartedAt               *time.Time `json:"started_at,omitempty"`
	EstimatedPrintTimeHours float64    `json:"estimated_print_time_hours,omitempty"`
	BedTemperature          *int       `json:"bed_temperature,omitempty"`
	NozzleTemperature       *int       `json:"nozzle_temperature,omitempty"`
	Notes                   string     `json:"notes,omitempty"`
}

// WizardFormState is the aggregate the wizard edits and finally submits.
type WizardFormState struct {
	BasicInfo BasicInfo              `json:"basic_info"`
	Items     []CatalogItemSelection `json:"items"`
	Materials []MaterialAllocation   `json:"materials"`
}

// clone returns a copy that shares no slices with s.
func (s WizardFormState) clone() WizardFormState {
	out := WizardFormState{BasicInfo: s.BasicInfo}
	out.Items = append([]CatalogItemSelection{}, s.Items...)
	out.Materials = append([]MaterialAllocation{}, s.Materials...)
	return out
}

func (s WizardFormState) itemIndex(id ItemID) int {
	for i, it := range s.Items {
		if it.ItemID == id {
			return i
		}
	}
	return -1
}

func (s WizardFormState) materialIndex(id MaterialID) int {
	for i, m := range s.Materials {
		if m.MaterialID == id {
			return i
		}
	}
	return -1
}

// RunSubmission is the payload handed to the run creation collaborator.
type RunSubmission struct {
	BasicInfo BasicInfo              `json:"basic_info"`
	Items     []CatalogItemSelection `json:"items"`
	Materials []MaterialAllocation   `json:"materials"`
}

// RunStatus is the lifecycle status of a historical production run.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// ProductionRun is a historical run as used by the variance dashboard.
type ProductionRun struct {
	ID                   RunID      `json:"id"`
	RunNumber            string     `json:"run_number"`
	ProductID            ItemID     `json:"product_id"`
	ProductName          string     `json:"product_name"`
	Status               RunStatus  `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	EstimatedWeightGrams float64    `json:"estimated_weight_grams"`
	ActualWeightGrams    float64    `json:"actual_weight_grams"`
}

// UsageRecord is one past run's consumption of a single material.
type UsageRecord struct {
	RunID                RunID     `json:"run_id"`
	RunNumber            string    `json:"run_number"`
	RunDate              time.Time `json:"run_date"`
	EstimatedWeightGrams float64   `json:"estimated_weight_grams"`
	ActualWeightGrams    float64   `json:"actual_weight_grams"`
}

// VarianceFraction is (actual - estimated) / estimated; ok is false when there is no estimate.
func (u UsageRecord) VarianceFraction() (float64, bool) {
	if u.EstimatedWeightGrams == 0 {
		return 0, false
	}
	return (u.ActualWeightGrams - u.EstimatedWeightGrams) / u.EstimatedWeightGrams, true
}

// DateRange is an inclusive time window; a nil bound is unbounded on that side.
type DateRange struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t lies inside the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && t.After(*r.End) {
		return false
	}
	return true
}

// Unbounded reports whether neither bound is set.
func (r DateRange) Unbounded() bool {
	return r.Start == nil && r.End == nil
}

// RunFilter narrows historical run queries.
type RunFilter struct {
	MaterialID MaterialID
	Range      DateRange
}
