package remote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/service"
	"github.com/techize/batchivo-sub001/pkg/backend"
)

// Backend adapts the REST client to the service collaborators.
type Backend struct {
	client *backend.Client
	logger *zap.Logger
}

var _ service.Backend = (*Backend)(nil)

func New(client *backend.Client, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, logger: logger}
}

func (b *Backend) FetchItemProductionDefaults(ctx context.Context, tenantID string, itemID service.ItemID) (*service.ItemProductionDefaults, error) {
	d, err := b.client.GetProductionDefaults(ctx, tenantID, string(itemID))
	if err != nil {
		return nil, notFound(err)
	}
	out := &service.ItemProductionDefaults{
		ItemID:           itemID,
		PrintTimeMinutes: d.PrintTimeMinutes,
		UnitsPerBatch:    d.UnitsPerBatch,
		BillOfMaterials:  make([]service.BOMLine, 0, len(d.BOMMaterials)),
	}
	for _, m := range d.BOMMaterials {
		out.BillOfMaterials = append(out.BillOfMaterials, service.BOMLine{
			MaterialID:         service.MaterialID(m.SpoolID),
			MaterialName:       m.MaterialName,
			MaterialTypeCode:   m.MaterialTypeCode,
			Color:              m.Color,
			ColorHex:           m.ColorHex,
			WeightGramsPerUnit: m.WeightGrams,
			CostPerGram:        m.CostPerGram,
			CurrentStockWeight: m.CurrentWeightGrams,
			IsActive:           m.IsActive,
		})
	}
	return out, nil
}

func (b *Backend) ListProductionRuns(ctx context.Context, tenantID string, filter service.RunFilter) ([]service.ProductionRun, error) {
	runs, err := b.client.ListProductionRuns(ctx, tenantID, backend.RunFilter{
		SpoolID: string(filter.MaterialID),
		From:    filter.Range.Start,
		To:      filter.Range.End,
	})
	if err != nil {
		return nil, err
	}
	out := make([]service.ProductionRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, service.ProductionRun{
			ID:                   service.RunID(r.ID),
			RunNumber:            r.RunNumber,
			ProductID:            service.ItemID(r.ProductID),
			ProductName:          r.ProductName,
			Status:               service.RunStatus(r.Status),
			StartedAt:            r.StartedAt,
			CompletedAt:          r.CompletedAt,
			EstimatedWeightGrams: r.EstimatedTotalWeight,
			ActualWeightGrams:    r.ActualTotalWeight,
		})
	}
	return out, nil
}

func (b *Backend) ListMaterialUsage(ctx context.Context, tenantID string, materialID service.MaterialID, window service.DateRange) ([]service.UsageRecord, error) {
	recs, err := b.client.ListSpoolUsage(ctx, tenantID, string(materialID), window.Start, window.End)
	if err != nil {
		return nil, notFound(err)
	}
	out := make([]service.UsageRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, service.UsageRecord{
			RunID:                service.RunID(r.RunID),
			RunNumber:            r.RunNumber,
			RunDate:              r.RunDate,
			EstimatedWeightGrams: r.EstimatedWeightGrams,
			ActualWeightGrams:    r.ActualWeightGrams,
		})
	}
	return out, nil
}

func (b *Backend) GetMaterialStock(ctx context.Context, tenantID string, materialID service.MaterialID) (float64, error) {
	sp, err := b.client.GetSpool(ctx, tenantID, string(materialID))
	if err != nil {
		return 0, notFound(err)
	}
	return sp.CurrentWeightGrams, nil
}

func (b *Backend) SubmitProductionRun(ctx context.Context, tenantID string, sub service.RunSubmission) (service.RunID, error) {
	req := backend.CreateRunRequest{
		RunNumber:               sub.BasicInfo.RunNumber,
		PrinterName:             sub.BasicInfo.PrinterName,
		StartedAt:               sub.BasicInfo.StartedAt,
		EstimatedPrintTimeHours: sub.BasicInfo.EstimatedPrintTimeHours,
		BedTemperature:          sub.BasicInfo.BedTemperature,
		NozzleTemperature:       sub.BasicInfo.NozzleTemperature,
		Notes:                   sub.BasicInfo.Notes,
		Items:                   make([]backend.CreateRunItem, 0, len(sub.Items)),
		Materials:               make([]backend.CreateRunMaterial, 0, len(sub.Materials)),
	}
	for _, it := range sub.Items {
		req.Items = append(req.Items, backend.CreateRunItem{
			ModelID:     string(it.ItemID),
			Quantity:    it.Quantity,
			BedPosition: it.BedPosition,
		})
	}
	for _, m := range sub.Materials {
		req.Materials = append(req.Materials, backend.CreateRunMaterial{
			SpoolID:                     string(m.MaterialID),
			EstimatedModelWeightGrams:   m.ModelWeightGrams,
			EstimatedFlushedWeightGrams: m.FlushedWeightGrams,
			EstimatedTowerWeightGrams:   m.TowerWeightGrams,
			CostPerGram:                 m.CostPerGram,
		})
	}

	id, err := b.client.CreateProductionRun(ctx, tenantID, req)
	if err != nil {
		return "", err
	}
	b.logger.Info("production run created", zap.String("tenant_id", tenantID), zap.String("run_id", id))
	return service.RunID(id), nil
}

func notFound(err error) error {
	if backend.IsNotFound(err) {
		return fmt.Errorf("%w: %w", service.ErrNotFound, err)
	}
	return err
}
