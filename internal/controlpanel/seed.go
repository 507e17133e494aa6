package controlpanel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type SeedMaterial struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	TypeCode    string  `yaml:"type_code"`
	Color       string  `yaml:"color"`
	ColorHex    string  `yaml:"color_hex,omitempty"`
	CostPerGram string  `yaml:"cost_per_gram"`
	StockGrams  float64 `yaml:"stock_grams"`
	Inactive    bool    `yaml:"inactive,omitempty"`
}

type SeedBOMLine struct {
	MaterialID  string  `yaml:"material_id"`
	WeightGrams float64 `yaml:"weight_grams"`
}

type SeedItem struct {
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	SKU              string        `yaml:"sku"`
	PrintTimeMinutes int           `yaml:"print_time_minutes"`
	UnitsPerBatch    int           `yaml:"units_per_batch"`
	BOM              []SeedBOMLine `yaml:"bom"`
}

type SeedRunItem struct {
	ItemID   string `yaml:"item_id"`
	Quantity int    `yaml:"quantity"`
}

type SeedRunMaterial struct {
	MaterialID   string   `yaml:"material_id"`
	ModelGrams   float64  `yaml:"model_grams"`
	FlushedGrams float64  `yaml:"flushed_grams"`
	TowerGrams   float64  `yaml:"tower_grams"`
	ActualGrams  *float64 `yaml:"actual_grams,omitempty"`
}

// SeedRun is a historical run, used to populate the variance dashboard.
type SeedRun struct {
	ID          string            `yaml:"id"`
	RunNumber   string            `yaml:"run_number"`
	Status      string            `yaml:"status"` // "in_progress", "completed", "failed", "cancelled"
	StartedAt   time.Time         `yaml:"started_at"`
	CompletedAt *time.Time        `yaml:"completed_at,omitempty"`
	Items       []SeedRunItem     `yaml:"items"`
	Materials   []SeedRunMaterial `yaml:"materials"`
}

// SeedFile is one tenant's catalog and run history.
type SeedFile struct {
	TenantID  string         `yaml:"tenant_id"`
	Materials []SeedMaterial `yaml:"materials"`
	Items     []SeedItem     `yaml:"items"`
	Runs      []SeedRun      `yaml:"runs"`
}

// DefaultStatus fills in defaults for optional fields.
func (f *SeedFile) DefaultStatus() {
	for i := range f.Items {
		if f.Items[i].UnitsPerBatch < 1 {
			f.Items[i].UnitsPerBatch = 1
		}
	}
	for i := range f.Runs {
		r := &f.Runs[i]
		if r.Status == "" {
			if r.CompletedAt != nil {
				r.Status = "completed"
			} else {
				r.Status = "in_progress"
			}
		}
		for j := range r.Items {
			if r.Items[j].Quantity < 1 {
				r.Items[j].Quantity = 1
			}
		}
	}
}

// Validate checks references between sections so a bad file fails before touching the db.
func (f *SeedFile) Validate() error {
	if strings.TrimSpace(f.TenantID) == "" {
		return fmt.Errorf("tenant_id missing")
	}
	materials := map[string]bool{}
	for _, m := range f.Materials {
		if m.ID == "" {
			return fmt.Errorf("material without id")
		}
		if materials[m.ID] {
			return fmt.Errorf("duplicate material %s", m.ID)
		}
		materials[m.ID] = true
		if m.CostPerGram != "" {
			if _, err := decimal.NewFromString(m.CostPerGram); err != nil {
				return fmt.Errorf("material %s: cost_per_gram: %w", m.ID, err)
			}
		}
	}
	items := map[string]bool{}
	for _, it := range f.Items {
		if it.ID == "" {
			return fmt.Errorf("item without id")
		}
		if items[it.ID] {
			return fmt.Errorf("duplicate item %s", it.ID)
		}
		items[it.ID] = true
		for _, l := range it.BOM {
			if !materials[l.MaterialID] {
				return fmt.Errorf("item %s: unknown material %s", it.ID, l.MaterialID)
			}
		}
	}
	for _, r := range f.Runs {
		if r.ID == "" {
			return fmt.Errorf("run without id")
		}
		switch r.Status {
		case "in_progress", "completed", "failed", "cancelled":
		default:
			return fmt.Errorf("run %s: unknown status %q", r.ID, r.Status)
		}
		for _, it := range r.Items {
			if !items[it.ItemID] {
				return fmt.Errorf("run %s: unknown item %s", r.ID, it.ItemID)
			}
		}
		for _, m := range r.Materials {
			if !materials[m.MaterialID] {
				return fmt.Errorf("run %s: unknown material %s", r.ID, m.MaterialID)
			}
		}
	}
	return nil
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	f.DefaultStatus()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return &f, nil
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// Txer is satisfied by *pgx.Conn and *pgxpool.Pool.
type Txer interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ApplySeed upserts the seed in one transaction.
func ApplySeed(ctx context.Context, db Txer, f *SeedFile) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range f.Materials {
		cost := m.CostPerGram
		if cost == "" {
			cost = "0"
		}
		_, err := tx.Exec(ctx, `
INSERT INTO materials (tenant_id, id, name, type_code, color, color_hex, cost_per_gram, current_stock_grams, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)
ON CONFLICT (tenant_id, id) DO UPDATE SET
  name = EXCLUDED.name, type_code = EXCLUDED.type_code, color = EXCLUDED.color,
  color_hex = EXCLUDED.color_hex, cost_per_gram = EXCLUDED.cost_per_gram,
  current_stock_grams = EXCLUDED.current_stock_grams, is_active = EXCLUDED.is_active`,
			f.TenantID, m.ID, m.Name, m.TypeCode, m.Color, m.ColorHex, cost, m.StockGrams, !m.Inactive)
		if err != nil {
			return fmt.Errorf("upsert material %s: %w", m.ID, err)
		}
	}

	for _, it := range f.Items {
		_, err := tx.Exec(ctx, `
INSERT INTO items (tenant_id, id, name, sku, print_time_minutes, units_per_batch)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, id) DO UPDATE SET
  name = EXCLUDED.name, sku = EXCLUDED.sku,
  print_time_minutes = EXCLUDED.print_time_minutes, units_per_batch = EXCLUDED.units_per_batch`,
			f.TenantID, it.ID, it.Name, it.SKU, it.PrintTimeMinutes, it.UnitsPerBatch)
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", it.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM item_materials WHERE tenant_id = $1 AND item_id = $2`, f.TenantID, it.ID); err != nil {
			return fmt.Errorf("clear bom %s: %w", it.ID, err)
		}
		for pos, l := range it.BOM {
			_, err := tx.Exec(ctx, `
INSERT INTO item_materials (tenant_id, item_id, material_id, weight_grams_per_unit, position)
VALUES ($1, $2, $3, $4, $5)`, f.TenantID, it.ID, l.MaterialID, l.WeightGrams, pos)
			if err != nil {
				return fmt.Errorf("insert bom %s/%s: %w", it.ID, l.MaterialID, err)
			}
		}
	}

	for _, r := range f.Runs {
		// runs are replaced wholesale; children cascade
		if _, err := tx.Exec(ctx, `DELETE FROM production_runs WHERE tenant_id = $1 AND id = $2`, f.TenantID, r.ID); err != nil {
			return fmt.Errorf("clear run %s: %w", r.ID, err)
		}
		_, err := tx.Exec(ctx, `
INSERT INTO production_runs (tenant_id, id, run_number, status, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6)`, f.TenantID, r.ID, r.RunNumber, r.Status, r.StartedAt, r.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert run %s: %w", r.ID, err)
		}
		for pos, it := range r.Items {
			_, err := tx.Exec(ctx, `
INSERT INTO production_run_items (tenant_id, run_id, item_id, quantity, position)
VALUES ($1, $2, $3, $4, $5)`, f.TenantID, r.ID, it.ItemID, it.Quantity, pos)
			if err != nil {
				return fmt.Errorf("insert run item %s/%s: %w", r.ID, it.ItemID, err)
			}
		}
		for _, m := range r.Materials {
			_, err := tx.Exec(ctx, `
INSERT INTO production_run_materials (tenant_id, run_id, material_id, model_weight_grams, flushed_weight_grams, tower_weight_grams, actual_weight_grams, cost_per_gram)
SELECT $1, $2, $3, $4, $5, $6, $7, cost_per_gram FROM materials WHERE tenant_id = $1 AND id = $3`,
				f.TenantID, r.ID, m.MaterialID, m.ModelGrams, m.FlushedGrams, m.TowerGrams, m.ActualGrams)
			if err != nil {
				return fmt.Errorf("insert run material %s/%s: %w", r.ID, m.MaterialID, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}
