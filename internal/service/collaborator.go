package service

import (
	"context"
	"errors"
)

// ErrNotFound is wrapped by collaborators when a requested item or material does not exist.
var ErrNotFound = errors.New("not found")

// DefaultsFetcher loads the production defaults (BOM included) of a catalog item.
type DefaultsFetcher interface {
	FetchItemProductionDefaults(ctx context.Context, tenantID string, itemID ItemID) (*ItemProductionDefaults, error)
}

// RunHistory is the read side of past production runs.
type RunHistory interface {
	ListProductionRuns(ctx context.Context, tenantID string, filter RunFilter) ([]ProductionRun, error)
	ListMaterialUsage(ctx context.Context, tenantID string, materialID MaterialID, window DateRange) ([]UsageRecord, error)
	GetMaterialStock(ctx context.Context, tenantID string, materialID MaterialID) (float64, error)
}

// RunSubmitter creates a production run in a single atomic call.
type RunSubmitter interface {
	SubmitProductionRun(ctx context.Context, tenantID string, sub RunSubmission) (RunID, error)
}

// Backend is everything the service needs from the inventory backend.
// Implemented by internal/store (Postgres) and internal/remote (REST).
type Backend interface {
	DefaultsFetcher
	RunHistory
	RunSubmitter
}
