package service

// DefaultsStatus is the state of one item's production defaults fetch.
type DefaultsStatus int

const (
	DefaultsPending DefaultsStatus = iota
	DefaultsLoaded
	DefaultsFailed
)

// String method for DefaultsStatus enum
func (s DefaultsStatus) String() string {
	switch s {
	case DefaultsPending:
		return "pending"
	case DefaultsLoaded:
		return "loaded"
	case DefaultsFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s DefaultsStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultsResult is the outcome of a defaults fetch for one item.
// Defaults is set only when Status is DefaultsLoaded, Err only when DefaultsFailed.
type DefaultsResult struct {
	Status   DefaultsStatus          `json:"status"`
	Defaults *ItemProductionDefaults `json:"defaults,omitempty"`
	Err      error                   `json:"-"`
}

// ComputeSuggestions merges the BOMs of the selected items into one suggestion per material.
//
// Items are visited in insertion order. Only items whose defaults are loaded contribute;
// pending, failed or missing entries are skipped without error. Entries in defaults for
// items no longer selected are ignored. The result lists materials in first-seen order.
func ComputeSuggestions(items []CatalogItemSelection, defaults map[ItemID]DefaultsResult) []SuggestedMaterial {
	out := []SuggestedMaterial{}
	index := map[MaterialID]int{}

	for _, item := range items {
		res, ok := defaults[item.ItemID]
		if !ok || res.Status != DefaultsLoaded || res.Defaults == nil {
			continue
		}
		qty := clampQuantity(item.Quantity)
		for _, line := range res.Defaults.BillOfMaterials {
			weight := line.WeightGramsPerUnit * float64(qty)
			contrib := ContributingItem{ItemID: item.ItemID, Quantity: qty, WeightGrams: weight}

			if i, seen := index[line.MaterialID]; seen {
				out[i].TotalWeightGrams += weight
				out[i].ContributingItems = append(out[i].ContributingItems, contrib)
				continue
			}
			index[line.MaterialID] = len(out)
			out = append(out, SuggestedMaterial{
				MaterialID:         line.MaterialID,
				MaterialName:       line.MaterialName,
				MaterialTypeCode:   line.MaterialTypeCode,
				Color:              line.Color,
				ColorHex:           line.ColorHex,
				TotalWeightGrams:   weight,
				CostPerGram:        line.CostPerGram,
				CurrentStockWeight: line.CurrentStockWeight,
				IsActive:           line.IsActive,
				ContributingItems:  []ContributingItem{contrib},
			})
		}
	}

	for i := range out {
		out[i].SufficientStock = out[i].CurrentStockWeight >= out[i].TotalWeightGrams
	}
	return out
}

// ApplySuggestions appends an allocation for every suggested material not yet in state.
// Existing allocations are left untouched, so applying twice equals applying once.
// It returns the new state and how many allocations were added.
func ApplySuggestions(state WizardFormState, suggestions []SuggestedMaterial) (WizardFormState, int) {
	next := state.clone()
	added := 0
	for _, s := range suggestions {
		if next.materialIndex(s.MaterialID) >= 0 {
			continue
		}
		next.Materials = append(next.Materials, MaterialAllocation{
			MaterialID:         s.MaterialID,
			DisplayName:        displayName(s),
			MaterialTypeCode:   s.MaterialTypeCode,
			ModelWeightGrams:   clampWeight(s.TotalWeightGrams),
			CostPerGram:        s.CostPerGram,
			CurrentStockWeight: clampWeight(s.CurrentStockWeight),
		})
		added++
	}
	return next, added
}

func displayName(s SuggestedMaterial) string {
	switch {
	case s.MaterialName != "" && s.Color != "":
		return s.MaterialName + " - " + s.Color
	case s.MaterialName != "":
		return s.MaterialName
	default:
		return string(s.MaterialID)
	}
}
