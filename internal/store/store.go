package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/service"
)

//go:embed schema.sql
var schemaSQL string

// Store is the Postgres-backed inventory backend. Every query is scoped by tenant.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ service.Backend = (*Store)(nil)

// New opens a pool against dbURL and checks it is reachable.
func New(ctx context.Context, dbURL string, maxConns int, logger *zap.Logger) (*Store, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url missing")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Reset drops every table and re-applies the schema. Dev databases only.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
DROP TABLE IF EXISTS production_run_materials, production_run_items, production_runs,
  item_materials, materials, items CASCADE`)
	if err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return s.Migrate(ctx)
}

// Pool exposes the underlying pool to the control-panel seeder.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) FetchItemProductionDefaults(ctx context.Context, tenantID string, itemID service.ItemID) (*service.ItemProductionDefaults, error) {
	d := &service.ItemProductionDefaults{ItemID: itemID}
	err := s.pool.QueryRow(ctx, `
SELECT print_time_minutes, units_per_batch
FROM items
WHERE tenant_id = $1 AND id = $2`, tenantID, string(itemID)).Scan(&d.PrintTimeMinutes, &d.UnitsPerBatch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, service.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT
  m.id,
  m.name,
  m.type_code,
  m.color,
  m.color_hex,
  im.weight_grams_per_unit::float8,
  m.cost_per_gram::text,
  m.current_stock_grams::float8,
  m.is_active
FROM item_materials im
JOIN materials m ON m.tenant_id = im.tenant_id AND m.id = im.material_id
WHERE im.tenant_id = $1 AND im.item_id = $2
ORDER BY im.position, m.id`, tenantID, string(itemID))
	if err != nil {
		return nil, fmt.Errorf("query bom: %w", err)
	}
	defer rows.Close()

	d.BillOfMaterials = []service.BOMLine{}
	for rows.Next() {
		var (
			line service.BOMLine
			id   string
			cost string
		)
		if err := rows.Scan(&id, &line.MaterialName, &line.MaterialTypeCode, &line.Color, &line.ColorHex,
			&line.WeightGramsPerUnit, &cost, &line.CurrentStockWeight, &line.IsActive); err != nil {
			return nil, fmt.Errorf("scan bom line: %w", err)
		}
		line.MaterialID = service.MaterialID(id)
		if line.CostPerGram, err = parseDecimal(cost); err != nil {
			return nil, fmt.Errorf("material %s cost: %w", id, err)
		}
		d.BillOfMaterials = append(d.BillOfMaterials, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bom: %w", err)
	}
	return d, nil
}

// ListProductionRuns returns runs newest first. A run's product is its first item and its
// weights are summed over every material line. A date range bounds completed_at.
func (s *Store) ListProductionRuns(ctx context.Context, tenantID string, filter service.RunFilter) ([]service.ProductionRun, error) {
	rows, err := s.pool.Query(ctx, `
SELECT
  r.id,
  r.run_number,
  r.status,
  r.started_at,
  r.completed_at,
  COALESCE(fi.item_id, '') AS product_id,
  COALESCE(i.name, '') AS product_name,
  COALESCE(w.estimated, 0)::float8 AS estimated,
  COALESCE(w.actual, 0)::float8 AS actual
FROM production_runs r
LEFT JOIN LATERAL (
  SELECT ri.item_id
  FROM production_run_items ri
  WHERE ri.tenant_id = r.tenant_id AND ri.run_id = r.id
  ORDER BY ri.position
  LIMIT 1
) fi ON TRUE
LEFT JOIN items i ON i.tenant_id = r.tenant_id AND i.id = fi.item_id
LEFT JOIN LATERAL (
  SELECT
    SUM(rm.model_weight_grams + rm.flushed_weight_grams + rm.tower_weight_grams) AS estimated,
    SUM(COALESCE(rm.actual_weight_grams, 0)) AS actual
  FROM production_run_materials rm
  WHERE rm.tenant_id = r.tenant_id AND rm.run_id = r.id
) w ON TRUE
WHERE r.tenant_id = $1
  AND ($2::text = '' OR EXISTS (
    SELECT 1 FROM production_run_materials x
    WHERE x.tenant_id = r.tenant_id AND x.run_id = r.id AND x.material_id = $2::text))
  AND ($3::timestamptz IS NULL OR r.completed_at >= $3::timestamptz)
  AND ($4::timestamptz IS NULL OR r.completed_at <= $4::timestamptz)
ORDER BY r.started_at DESC, r.id`,
		tenantID, string(filter.MaterialID), filter.Range.Start, filter.Range.End)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []service.ProductionRun
	for rows.Next() {
		var (
			run       service.ProductionRun
			id, pid   string
			status    string
			completed *time.Time
		)
		if err := rows.Scan(&id, &run.RunNumber, &status, &run.StartedAt, &completed,
			&pid, &run.ProductName, &run.EstimatedWeightGrams, &run.ActualWeightGrams); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.ID = service.RunID(id)
		run.ProductID = service.ItemID(pid)
		run.Status = service.RunStatus(status)
		run.CompletedAt = completed
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// ListMaterialUsage returns one record per completed run that used materialID, newest first.
func (s *Store) ListMaterialUsage(ctx context.Context, tenantID string, materialID service.MaterialID, window service.DateRange) ([]service.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT
  r.id,
  r.run_number,
  COALESCE(r.completed_at, r.started_at) AS run_date,
  (rm.model_weight_grams + rm.flushed_weight_grams + rm.tower_weight_grams)::float8 AS estimated,
  COALESCE(rm.actual_weight_grams, 0)::float8 AS actual
FROM production_run_materials rm
JOIN production_runs r ON r.tenant_id = rm.tenant_id AND r.id = rm.run_id
WHERE rm.tenant_id = $1
  AND rm.material_id = $2
  AND r.status = 'completed'
  AND ($3::timestamptz IS NULL OR COALESCE(r.completed_at, r.started_at) >= $3::timestamptz)
  AND ($4::timestamptz IS NULL OR COALESCE(r.completed_at, r.started_at) <= $4::timestamptz)
ORDER BY run_date DESC, r.id`,
		tenantID, string(materialID), window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []service.UsageRecord
	for rows.Next() {
		var (
			rec service.UsageRecord
			id  string
		)
		if err := rows.Scan(&id, &rec.RunNumber, &rec.RunDate, &rec.EstimatedWeightGrams, &rec.ActualWeightGrams); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.RunID = service.RunID(id)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

func (s *Store) GetMaterialStock(ctx context.Context, tenantID string, materialID service.MaterialID) (float64, error) {
	var stock float64
	err := s.pool.QueryRow(ctx, `
SELECT current_stock_grams::float8
FROM materials
WHERE tenant_id = $1 AND id = $2`, tenantID, string(materialID)).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("material %s: %w", materialID, service.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", err)
	}
	return stock, nil
}

// SubmitProductionRun writes the run with its items and material lines in one transaction.
func (s *Store) SubmitProductionRun(ctx context.Context, tenantID string, sub service.RunSubmission) (service.RunID, error) {
	id := uuid.NewString()
	info := sub.BasicInfo
	runNumber := strings.TrimSpace(info.RunNumber)
	if runNumber == "" {
		runNumber = "RUN-" + strings.ToUpper(id[:8])
	}
	startedAt := time.Now().UTC()
	if info.StartedAt != nil {
		startedAt = info.StartedAt.UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", zap.Error(rerr))
		}
	}()

	_, err = tx.Exec(ctx, `
INSERT INTO production_runs (tenant_id, id, run_number, printer_name, status, started_at,
  estimated_print_time_hours, bed_temperature, nozzle_temperature, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tenantID, id, runNumber, info.PrinterName, string(service.RunInProgress), startedAt,
		info.EstimatedPrintTimeHours, info.BedTemperature, info.NozzleTemperature, info.Notes)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for i, it := range sub.Items {
		_, err = tx.Exec(ctx, `
INSERT INTO production_run_items (tenant_id, run_id, item_id, quantity, bed_position, position)
VALUES ($1, $2, $3, $4, $5, $6)`,
			tenantID, id, string(it.ItemID), it.Quantity, it.BedPosition, i)
		if err != nil {
			return "", fmt.Errorf("insert run item %s: %w", it.ItemID, err)
		}
	}

	for _, m := range sub.Materials {
		_, err = tx.Exec(ctx, `
INSERT INTO production_run_materials (tenant_id, run_id, material_id,
  model_weight_grams, flushed_weight_grams, tower_weight_grams, cost_per_gram)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)`,
			tenantID, id, string(m.MaterialID),
			m.ModelWeightGrams, m.FlushedWeightGrams, m.TowerWeightGrams, m.CostPerGram.String())
		if err != nil {
			return "", fmt.Errorf("insert run material %s: %w", m.MaterialID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	s.logger.Info("production run created",
		zap.String("tenant_id", tenantID),
		zap.String("run_id", id),
		zap.Int("items", len(sub.Items)),
		zap.Int("materials", len(sub.Materials)))
	return service.RunID(id), nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
