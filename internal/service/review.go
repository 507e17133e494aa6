package service

import (
	"github.com/shopspring/decimal"
)

// MaterialReview is one material line of the review step.
type MaterialReview struct {
	MaterialID         MaterialID      `json:"material_id"`
	DisplayName        string          `json:"display_name"`
	MaterialTypeCode   string          `json:"material_type_code"`
	ModelWeightGrams   float64         `json:"model_weight_grams"`
	FlushedWeightGrams float64         `json:"flushed_weight_grams"`
	TowerWeightGrams   float64         `json:"tower_weight_grams"`
	TotalWeightGrams   float64         `json:"total_weight_grams"`
	WeightPercent      float64         `json:"weight_percent"`
	Cost               decimal.Decimal `json:"cost"`
	CurrentStockWeight float64         `json:"current_stock_weight"`
	SufficientStock    bool            `json:"sufficient_stock"`
}

// ReviewSummary aggregates the form for the final confirmation.
type ReviewSummary struct {
	BasicInfo               BasicInfo              `json:"basic_info"`
	Items                   []CatalogItemSelection `json:"items"`
	ItemCount               int                    `json:"item_count"`
	TotalUnits              int                    `json:"total_units"`
	Materials               []MaterialReview       `json:"materials"`
	TotalModelWeightGrams   float64                `json:"total_model_weight_grams"`
	TotalFlushedWeightGrams float64                `json:"total_flushed_weight_grams"`
	TotalTowerWeightGrams   float64                `json:"total_tower_weight_grams"`
	TotalWeightGrams        float64                `json:"total_weight_grams"`
	EstimatedCost           decimal.Decimal        `json:"estimated_cost"`
	InsufficientMaterials   []MaterialID           `json:"insufficient_materials"`
}

// BuildReview computes totals, per-material weight shares and costs for a form state.
// Weight shares are 0 when the run has no weight at all.
func BuildReview(state WizardFormState) ReviewSummary {
	sum := ReviewSummary{
		BasicInfo:             state.BasicInfo,
		Items:                 append([]CatalogItemSelection{}, state.Items...),
		ItemCount:             len(state.Items),
		Materials:             make([]MaterialReview, 0, len(state.Materials)),
		EstimatedCost:         decimal.Zero,
		InsufficientMaterials: []MaterialID{},
	}
	for _, it := range state.Items {
		sum.TotalUnits += clampQuantity(it.Quantity)
	}

	for _, m := range state.Materials {
		total := m.TotalWeightGrams()
		cost := m.CostPerGram.Mul(decimal.NewFromFloat(total)).Round(2)
		mr := MaterialReview{
			MaterialID:         m.MaterialID,
			DisplayName:        m.DisplayName,
			MaterialTypeCode:   m.MaterialTypeCode,
			ModelWeightGrams:   m.ModelWeightGrams,
			FlushedWeightGrams: m.FlushedWeightGrams,
			TowerWeightGrams:   m.TowerWeightGrams,
			TotalWeightGrams:   total,
			Cost:               cost,
			CurrentStockWeight: m.CurrentStockWeight,
			SufficientStock:    m.CurrentStockWeight >= total,
		}
		if !mr.SufficientStock {
			sum.InsufficientMaterials = append(sum.InsufficientMaterials, m.MaterialID)
		}
		sum.TotalModelWeightGrams += m.ModelWeightGrams
		sum.TotalFlushedWeightGrams += m.FlushedWeightGrams
		sum.TotalTowerWeightGrams += m.TowerWeightGrams
		sum.TotalWeightGrams += total
		sum.EstimatedCost = sum.EstimatedCost.Add(cost)
		sum.Materials = append(sum.Materials, mr)
	}

	if sum.TotalWeightGrams > 0 {
		for i := range sum.Materials {
			sum.Materials[i].WeightPercent = sum.Materials[i].TotalWeightGrams / sum.TotalWeightGrams * 100
		}
	}
	return sum
}
