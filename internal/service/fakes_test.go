package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// fakeBackend serves canned defaults. Items listed in gates block until their gate is closed.
type fakeBackend struct {
	mu        sync.Mutex
	defaults  map[ItemID]*ItemProductionDefaults
	gates     map[ItemID]chan struct{}
	fetches   map[ItemID]int
	submitErr error
	submitted []RunSubmission
	started   chan struct{}
	release   chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		defaults: map[ItemID]*ItemProductionDefaults{},
		gates:    map[ItemID]chan struct{}{},
		fetches:  map[ItemID]int{},
	}
}

func (f *fakeBackend) withBOM(id ItemID, lines ...BOMLine) *fakeBackend {
	f.defaults[id] = &ItemProductionDefaults{ItemID: id, BillOfMaterials: lines}
	return f
}

func (f *fakeBackend) gate(id ItemID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeBackend) fetchCount(id ItemID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func (f *fakeBackend) FetchItemProductionDefaults(ctx context.Context, _ string, id ItemID) (*ItemProductionDefaults, error) {
	f.mu.Lock()
	f.fetches[id]++
	gate := f.gates[id]
	d, ok := f.defaults[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (f *fakeBackend) ListProductionRuns(context.Context, string, RunFilter) ([]ProductionRun, error) {
	return nil, nil
}

func (f *fakeBackend) ListMaterialUsage(context.Context, string, MaterialID, DateRange) ([]UsageRecord, error) {
	return nil, nil
}

func (f *fakeBackend) GetMaterialStock(context.Context, string, MaterialID) (float64, error) {
	return 0, nil
}

func (f *fakeBackend) SubmitProductionRun(ctx context.Context, _ string, sub RunSubmission) (RunID, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, sub)
	return RunID(fmt.Sprintf("run-%d", len(f.submitted))), nil
}

func line(id MaterialID, grams float64) BOMLine {
	return BOMLine{
		MaterialID:         id,
		MaterialName:       string(id),
		MaterialTypeCode:   "PLA",
		WeightGramsPerUnit: grams,
		CostPerGram:        decimal.RequireFromString("0.02"),
		CurrentStockWeight: 1000,
		IsActive:           true,
	}
}

func loaded(d *ItemProductionDefaults) DefaultsResult {
	return DefaultsResult{Status: DefaultsLoaded, Defaults: d}
}

func ptrTime(t time.Time) *time.Time { return &t }
