package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	mid "github.com/techize/batchivo-sub001/internal/middleware"
	"github.com/techize/batchivo-sub001/internal/service"
)

type wizardView struct {
	ID       string                                    `json:"id"`
	Step     service.Step                              `json:"step"`
	Status   service.SessionStatus                     `json:"status"`
	RunID    service.RunID                             `json:"run_id,omitempty"`
	State    service.WizardFormState                   `json:"state"`
	Defaults map[service.ItemID]service.DefaultsStatus `json:"defaults"`
}

func viewOf(wz *service.Wizard) wizardView {
	return wizardView{
		ID:       wz.ID(),
		Step:     wz.Step(),
		Status:   wz.Status(),
		RunID:    wz.RunID(),
		State:    wz.State(),
		Defaults: wz.DefaultsStatuses(),
	}
}

// wizardFromRequest loads the session named in the path, scoped to the caller's tenant.
func (h *Handler) wizardFromRequest(w http.ResponseWriter, r *http.Request) (*service.Wizard, bool) {
	wz, err := h.sessions.Get(mid.TenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return nil, false
	}
	return wz, true
}

func (h *Handler) createWizard(w http.ResponseWriter, r *http.Request) {
	wz, err := h.sessions.Create(mid.TenantID(r.Context()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(wz))
}

func (h *Handler) getWizard(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

func (h *Handler) deleteWizard(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mid.TenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nextStep(w http.ResponseWriter, r *http.Request) {
	h.moveStep(w, r, (*service.Wizard).Next)
}

func (h *Handler) prevStep(w http.ResponseWriter, r *http.Request) {
	h.moveStep(w, r, (*service.Wizard).Back)
}

func (h *Handler) moveStep(w http.ResponseWriter, r *http.Request, move func(*service.Wizard) (service.Step, error)) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	if _, err := move(wz); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

func (h *Handler) setBasicInfo(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	var info service.BasicInfo
	if err := decodeJSON(w, r, &info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := wz.SetBasicInfo(info); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

type addItemRequest struct {
	ItemID      service.ItemID `json:"item_id"`
	Name        string         `json:"name"`
	SKU         string         `json:"sku"`
	Quantity    int            `json:"quantity"`
	BedPosition string         `json:"bed_position"`
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	item, err := service.NewCatalogItemSelection(req.ItemID, req.Name, req.SKU, req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item.BedPosition = req.BedPosition
	added, err := wz.AddItem(item)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewOf(wz))
}

type updateItemRequest struct {
	Quantity    *int    `json:"quantity"`
	BedPosition *string `json:"bed_position"`
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := service.ItemID(chi.URLParam(r, "itemID"))
	if req.Quantity != nil {
		if err := wz.UpdateQuantity(id, *req.Quantity); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}
	if req.BedPosition != nil {
		if err := wz.UpdateBedPosition(id, *req.BedPosition); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	if err := wz.RemoveItem(service.ItemID(chi.URLParam(r, "itemID"))); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

type suggestionsResponse struct {
	Suggestions []service.SuggestedMaterial                 `json:"suggestions"`
	Defaults    map[service.ItemID]service.DefaultsStatus `json:"defaults"`
	Complete    bool                                      `json:"complete"`
}

// suggestions returns the current suggestions. With ?wait=true it first waits, bounded by
// the request context, for pending defaults to resolve.
func (h *Handler) suggestions(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := wz.WaitForDefaults(r.Context()); err != nil {
			h.logger.Debug("stopped waiting for defaults", zap.Error(err))
		}
	}
	statuses := wz.DefaultsStatuses()
	complete := true
	for _, st := range statuses {
		if st == service.DefaultsPending {
			complete = false
			break
		}
	}
	writeJSON(w, http.StatusOK, suggestionsResponse{
		Suggestions: wz.Suggestions(),
		Defaults:    statuses,
		Complete:    complete,
	})
}

func (h *Handler) applySuggestions(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	n, err := wz.ApplySuggestions()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": n,
		"wizard":  viewOf(wz),
	})
}

type addMaterialRequest struct {
	MaterialID         service.MaterialID `json:"material_id"`
	DisplayName        string             `json:"display_name"`
	MaterialTypeCode   string             `json:"material_type_code"`
	ModelWeightGrams   float64            `json:"model_weight_grams"`
	FlushedWeightGrams float64            `json:"flushed_weight_grams"`
	TowerWeightGrams   float64            `json:"tower_weight_grams"`
	CostPerGram        decimal.Decimal    `json:"cost_per_gram"`
	CurrentStockWeight float64            `json:"current_stock_weight"`
}

func (h *Handler) addMaterial(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	var req addMaterialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(string(req.MaterialID)) == "" {
		writeError(w, http.StatusBadRequest, "material id cannot be empty")
		return
	}
	added, err := wz.AddMaterial(service.MaterialAllocation{
		MaterialID:         req.MaterialID,
		DisplayName:        req.DisplayName,
		MaterialTypeCode:   req.MaterialTypeCode,
		ModelWeightGrams:   req.ModelWeightGrams,
		FlushedWeightGrams: req.FlushedWeightGrams,
		TowerWeightGrams:   req.TowerWeightGrams,
		CostPerGram:        req.CostPerGram,
		CurrentStockWeight: req.CurrentStockWeight,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewOf(wz))
}

type updateMaterialRequest struct {
	ModelWeightGrams   *float64 `json:"model_weight_grams"`
	FlushedWeightGrams *float64 `json:"flushed_weight_grams"`
	TowerWeightGrams   *float64 `json:"tower_weight_grams"`
}

func (h *Handler) updateMaterial(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	var req updateMaterialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	id := service.MaterialID(chi.URLParam(r, "materialID"))
	updates := []struct {
		kind  service.WeightKind
		grams *float64
	}{
		{service.WeightModel, req.ModelWeightGrams},
		{service.WeightFlushed, req.FlushedWeightGrams},
		{service.WeightTower, req.TowerWeightGrams},
	}
	for _, u := range updates {
		if u.grams == nil {
			continue
		}
		if err := wz.UpdateMaterialWeight(id, u.kind, *u.grams); err != nil {
			h.writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

func (h *Handler) removeMaterial(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	if err := wz.RemoveMaterial(service.MaterialID(chi.URLParam(r, "materialID"))); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(wz))
}

func (h *Handler) review(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, wz.Review())
}

// submit creates the run. The collaborator call outlives a client disconnect so that a
// started submission always finishes with a known outcome.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	wz, ok := h.wizardFromRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.submitTimeout)
	defer cancel()

	runID, err := wz.Submit(ctx)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	tenantID := mid.TenantID(r.Context())
	dropped := h.invalidateTenant(tenantID)
	h.logger.Info("wizard submitted",
		zap.String("tenant_id", tenantID),
		zap.String("session_id", wz.ID()),
		zap.String("run_id", string(runID)),
		zap.Int("cache_entries_dropped", dropped))
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": string(runID)})
}
