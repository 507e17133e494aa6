package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/metrics"
)

var (
	ErrInvalidTransition = errors.New("invalid wizard transition")
	ErrItemNotSelected   = errors.New("item not selected")
	ErrMaterialNotFound  = errors.New("material not allocated")
	ErrSessionClosed     = errors.New("wizard session closed")
	ErrSubmitInProgress  = errors.New("submission already in progress")
	ErrSubmitFailed      = errors.New("submit production run failed")
)

// Step is a wizard step. Steps are strictly linear.
type Step int

const (
	StepBasicInfo Step = iota + 1
	StepItems
	StepMaterials
	StepReview
)

// String method for Step enum
func (s Step) String() string {
	switch s {
	case StepBasicInfo:
		return "basic_info"
	case StepItems:
		return "items"
	case StepMaterials:
		return "materials"
	case StepReview:
		return "review"
	default:
		return "unknown"
	}
}

// MarshalText renders the step by name in JSON payloads.
func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Next returns the following step, or ErrInvalidTransition from the review step.
func (s Step) Next() (Step, error) {
	if s < StepBasicInfo || s >= StepReview {
		return s, fmt.Errorf("%w: no step after %s", ErrInvalidTransition, s)
	}
	return s + 1, nil
}

// Prev returns the preceding step, or ErrInvalidTransition from the first step.
func (s Step) Prev() (Step, error) {
	if s <= StepBasicInfo || s > StepReview {
		return s, fmt.Errorf("%w: no step before %s", ErrInvalidTransition, s)
	}
	return s - 1, nil
}

// SessionStatus is the lifecycle state of a wizard session.
type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionSubmitted
	SessionCancelled
)

// String method for SessionStatus enum
func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionSubmitted:
		return "submitted"
	case SessionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON payloads.
func (s SessionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WizardOptions tunes a Wizard.
type WizardOptions struct {
	FetchTimeout time.Duration
	Logger       *zap.Logger
}

// Wizard is one production-run creation session.
//
// All form data lives in a single WizardFormState owned by the session. Production defaults
// for selected items are fetched in the background and kept per item as a DefaultsResult;
// suggestions are derived from them on every read.
type Wizard struct {
	id        string
	tenantID  string
	fetcher   DefaultsFetcher
	submitter RunSubmitter
	logger    *zap.Logger
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	step       Step
	state      WizardFormState
	defaults   map[ItemID]DefaultsResult
	generation map[ItemID]uint64
	status     SessionStatus
	submitting bool
	runID      RunID
	pending    int
	idle       chan struct{}
	createdAt  time.Time
	updatedAt  time.Time
}

// NewWizard starts a session at the basic info step with an empty form.
func NewWizard(id, tenantID string, fetcher DefaultsFetcher, submitter RunSubmitter, opts WizardOptions) *Wizard {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Wizard{
		id:         id,
		tenantID:   tenantID,
		fetcher:    fetcher,
		submitter:  submitter,
		logger:     logger.With(zap.String("session_id", id), zap.String("tenant_id", tenantID)),
		timeout:    timeout,
		ctx:        ctx,
		cancel:     cancel,
		step:       StepBasicInfo,
		state:      WizardFormState{Items: []CatalogItemSelection{}, Materials: []MaterialAllocation{}},
		defaults:   map[ItemID]DefaultsResult{},
		generation: map[ItemID]uint64{},
		createdAt:  now,
		updatedAt:  now,
	}
}

func (w *Wizard) ID() string       { return w.id }
func (w *Wizard) TenantID() string { return w.tenantID }

// Step returns the current step.
func (w *Wizard) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// Status returns the session lifecycle state.
func (w *Wizard) Status() SessionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// RunID returns the id of the created run once the session was submitted.
func (w *Wizard) RunID() RunID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runID
}

// LastActivity returns when the session was last changed.
func (w *Wizard) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updatedAt
}

// State returns a copy of the form state.
func (w *Wizard) State() WizardFormState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.clone()
}

// Next moves one step forward. No step has required fields.
func (w *Wizard) Next() (Step, error) {
	return w.move(Step.Next)
}

// Back moves one step backward. Form data is kept.
func (w *Wizard) Back() (Step, error) {
	return w.move(Step.Prev)
}

func (w *Wizard) move(transition func(Step) (Step, error)) (Step, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return w.step, err
	}
	next, err := transition(w.step)
	if err != nil {
		return w.step, err
	}
	w.step = next
	w.touchLocked()
	return next, nil
}

// SetBasicInfo replaces the basic info slice of the form.
func (w *Wizard) SetBasicInfo(info BasicInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	if info.EstimatedPrintTimeHours < 0 {
		info.EstimatedPrintTimeHours = 0
	}
	w.state.BasicInfo = info
	w.touchLocked()
	return nil
}

// AddItem selects a catalog item and starts fetching its production defaults.
// It returns false when the item was already selected. A missing quantity defaults to 1.
func (w *Wizard) AddItem(item CatalogItemSelection) (bool, error) {
	if strings.TrimSpace(string(item.ItemID)) == "" {
		return false, fmt.Errorf("item id cannot be empty")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return false, err
	}
	if w.state.itemIndex(item.ItemID) >= 0 {
		return false, nil
	}
	item.Quantity = clampQuantity(item.Quantity)
	w.state.Items = append(w.state.Items, item)
	w.touchLocked()

	// loaded and in-flight entries are reused
	if res, ok := w.defaults[item.ItemID]; ok && res.Status != DefaultsFailed {
		return true, nil
	}
	w.defaults[item.ItemID] = DefaultsResult{Status: DefaultsPending}
	w.generation[item.ItemID]++
	gen := w.generation[item.ItemID]

	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
	go w.fetchDefaults(item.ItemID, gen)
	return true, nil
}

func (w *Wizard) fetchDefaults(id ItemID, gen uint64) {
	var (
		d   *ItemProductionDefaults
		err error
	)
	if w.fetcher == nil {
		err = fmt.Errorf("no defaults fetcher configured")
	} else {
		ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
		d, err = w.fetcher.FetchItemProductionDefaults(ctx, w.tenantID, id)
		cancel()
		if err == nil && d == nil {
			err = fmt.Errorf("no production defaults for item %s", id)
		}
	}

	res := DefaultsResult{Status: DefaultsLoaded, Defaults: d}
	if err != nil {
		w.logger.Warn("fetch item production defaults failed", zap.String("item_id", string(id)), zap.Error(err))
		metrics.DefaultsFetchesTotal.WithLabelValues(metrics.StatusFailure).Inc()
		res = DefaultsResult{Status: DefaultsFailed, Err: err}
	} else {
		metrics.DefaultsFetchesTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.endFetchLocked()
	if w.status != SessionActive {
		return
	}
	// a newer request for the same item owns the slot
	if w.generation[id] != gen {
		return
	}
	w.defaults[id] = res
}

func (w *Wizard) endFetchLocked() {
	w.pending--
	if w.pending == 0 && w.idle != nil {
		close(w.idle)
		w.idle = nil
	}
}

// WaitForDefaults blocks until no defaults fetch is in flight or ctx is done.
func (w *Wizard) WaitForDefaults(ctx context.Context) error {
	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()
		return nil
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultsStatus returns the cached fetch result for an item.
func (w *Wizard) DefaultsStatus(id ItemID) (DefaultsResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	res, ok := w.defaults[id]
	return res, ok
}

// DefaultsStatuses returns the fetch status of every selected item.
func (w *Wizard) DefaultsStatuses() map[ItemID]DefaultsStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[ItemID]DefaultsStatus, len(w.state.Items))
	for _, it := range w.state.Items {
		if res, ok := w.defaults[it.ItemID]; ok {
			out[it.ItemID] = res.Status
		}
	}
	return out
}

// UpdateQuantity sets an item's quantity, clamped to at least 1.
func (w *Wizard) UpdateQuantity(id ItemID, quantity int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	i := w.state.itemIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotSelected, id)
	}
	w.state.Items[i].Quantity = clampQuantity(quantity)
	w.touchLocked()
	return nil
}

// UpdateBedPosition sets or clears an item's bed position.
func (w *Wizard) UpdateBedPosition(id ItemID, position string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	i := w.state.itemIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotSelected, id)
	}
	w.state.Items[i].BedPosition = strings.TrimSpace(position)
	w.touchLocked()
	return nil
}

// RemoveItem deselects an item. Its cached defaults stay but no longer contribute.
func (w *Wizard) RemoveItem(id ItemID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	i := w.state.itemIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrItemNotSelected, id)
	}
	w.state.Items = append(w.state.Items[:i], w.state.Items[i+1:]...)
	w.touchLocked()
	return nil
}

// Suggestions derives material suggestions from the current items and cached defaults.
func (w *Wizard) Suggestions() []SuggestedMaterial {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ComputeSuggestions(w.state.Items, w.defaults)
}

// ApplySuggestions adds every suggested material not yet allocated and returns how many were added.
func (w *Wizard) ApplySuggestions() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return 0, err
	}
	next, added := ApplySuggestions(w.state, ComputeSuggestions(w.state.Items, w.defaults))
	w.state = next
	if added > 0 {
		w.touchLocked()
	}
	return added, nil
}

// AddMaterial allocates a material manually. It returns false if the material is already allocated.
func (w *Wizard) AddMaterial(m MaterialAllocation) (bool, error) {
	if strings.TrimSpace(string(m.MaterialID)) == "" {
		return false, fmt.Errorf("material id cannot be empty")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return false, err
	}
	if w.state.materialIndex(m.MaterialID) >= 0 {
		return false, nil
	}
	if m.DisplayName == "" {
		m.DisplayName = string(m.MaterialID)
	}
	w.state.Materials = append(w.state.Materials, m.normalized())
	w.touchLocked()
	return true, nil
}

// UpdateMaterialWeight sets one weight of an allocation; negative values clamp to 0.
func (w *Wizard) UpdateMaterialWeight(id MaterialID, kind WeightKind, grams float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	i := w.state.materialIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrMaterialNotFound, id)
	}
	grams = clampWeight(grams)
	m := &w.state.Materials[i]
	switch kind {
	case WeightModel:
		m.ModelWeightGrams = grams
	case WeightFlushed:
		m.FlushedWeightGrams = grams
	case WeightTower:
		m.TowerWeightGrams = grams
	default:
		return fmt.Errorf("unknown weight kind %d", kind)
	}
	w.touchLocked()
	return nil
}

// RemoveMaterial drops an allocation.
func (w *Wizard) RemoveMaterial(id MaterialID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpenLocked(); err != nil {
		return err
	}
	i := w.state.materialIndex(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrMaterialNotFound, id)
	}
	w.state.Materials = append(w.state.Materials[:i], w.state.Materials[i+1:]...)
	w.touchLocked()
	return nil
}

// Review summarises the form for the review step.
func (w *Wizard) Review() ReviewSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return BuildReview(w.state)
}

// Submit creates the production run. It must be called from the review step.
//
// The call is made once; there is no automatic retry. On failure the form is kept and
// the returned error wraps ErrSubmitFailed. On success the session becomes terminal
// and its form state is discarded.
func (w *Wizard) Submit(ctx context.Context) (RunID, error) {
	w.mu.Lock()
	if err := w.checkOpenLocked(); err != nil {
		w.mu.Unlock()
		return "", err
	}
	if w.step != StepReview {
		step := w.step
		w.mu.Unlock()
		return "", fmt.Errorf("%w: submit from %s", ErrInvalidTransition, step)
	}
	if w.submitter == nil {
		w.mu.Unlock()
		return "", fmt.Errorf("%w: no run submitter configured", ErrSubmitFailed)
	}
	w.submitting = true
	state := w.state.clone()
	w.mu.Unlock()

	id, err := w.submitter.SubmitProductionRun(ctx, w.tenantID, RunSubmission{
		BasicInfo: state.BasicInfo,
		Items:     state.Items,
		Materials: state.Materials,
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitting = false
	if err != nil {
		metrics.WizardSubmissionsTotal.WithLabelValues(metrics.StatusFailure).Inc()
		w.logger.Warn("submit production run failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	metrics.WizardSubmissionsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	w.logger.Info("production run created", zap.String("run_id", string(id)))

	w.status = SessionSubmitted
	w.runID = id
	w.discardLocked()
	return id, nil
}

// Cancel discards the session. Nothing was persisted, so nothing is undone remotely.
func (w *Wizard) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != SessionActive {
		return
	}
	w.status = SessionCancelled
	w.discardLocked()
}

func (w *Wizard) discardLocked() {
	w.state = WizardFormState{Items: []CatalogItemSelection{}, Materials: []MaterialAllocation{}}
	w.defaults = map[ItemID]DefaultsResult{}
	w.touchLocked()
	w.cancel()
}

func (w *Wizard) checkOpenLocked() error {
	if w.status != SessionActive {
		return fmt.Errorf("%w: session is %s", ErrSessionClosed, w.status)
	}
	if w.submitting {
		return ErrSubmitInProgress
	}
	return nil
}

func (w *Wizard) touchLocked() {
	w.updatedAt = time.Now()
}
