/*
Package factory converts catalog seed files into dues types.

PURPOSE:
  Lets an association define its dues categories in a JSON or YAML file
  instead of through the API, and seeds them on startup or scenario load.

SEED SCHEMA (YAML shown, JSON uses the same keys):
  dues_types:
    - code: monthly
      name: Monthly dues
      base_amount: "15.00"
      mandatory: true
      display_order: 1
    - code: death
      name: Death
      base_amount: "50"
      has_beneficiary: true
      display_order: 2

  Amounts are strings so they stay exact decimals.

SEEDING:
  Seed is idempotent: a type whose code already exists is left alone and
  reported as skipped, so a restart never duplicates the catalog.

SEE ALSO:
  - dues/catalog.go: Catalog.Create
  - api/scenarios.go: Demo scenarios built on DefaultCatalog
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// SEED SCHEMA TYPES
// =============================================================================

type CatalogSeed struct {
	DuesTypes []DuesTypeSeed `json:"dues_types" yaml:"dues_types"`
}

type DuesTypeSeed struct {
	Code           string `json:"code" yaml:"code"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description,omitempty" yaml:"description,omitempty"`
	BaseAmount     string `json:"base_amount" yaml:"base_amount"`
	Mandatory      bool   `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	HasBeneficiary bool   `json:"has_beneficiary,omitempty" yaml:"has_beneficiary,omitempty"`
	DisplayOrder   int    `json:"display_order,omitempty" yaml:"display_order,omitempty"`
	Inactive       bool   `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

func ParseJSON(data []byte) (CatalogSeed, error) {
	var s CatalogSeed
	if err := json.Unmarshal(data, &s); err != nil {
		return CatalogSeed{}, fmt.Errorf("parse catalog JSON: %w", err)
	}
	return s, s.validate()
}

func ParseYAML(data []byte) (CatalogSeed, error) {
	var s CatalogSeed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return CatalogSeed{}, fmt.Errorf("parse catalog YAML: %w", err)
	}
	return s, s.validate()
}

// LoadFile picks the parser from the file extension.
func LoadFile(path string) (CatalogSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogSeed{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return CatalogSeed{}, fmt.Errorf("unsupported catalog file %s (want .json, .yaml or .yml)", path)
	}
}

func (s CatalogSeed) validate() error {
	seen := make(map[string]bool, len(s.DuesTypes))
	var errs []error
	for i, t := range s.DuesTypes {
		if strings.TrimSpace(t.Name) == "" {
			errs = append(errs, fmt.Errorf("dues_types[%d]: name is required", i))
		}
		if _, err := decimal.NewFromString(t.BaseAmount); err != nil {
			errs = append(errs, fmt.Errorf("dues_types[%d]: base_amount %q is not a decimal", i, t.BaseAmount))
		}
		code := strings.ToLower(strings.TrimSpace(t.Code))
		if code != "" {
			if seen[code] {
				errs = append(errs, fmt.Errorf("dues_types[%d]: duplicate code %s", i, code))
			}
			seen[code] = true
		}
	}
	return errors.Join(errs...)
}

// Inputs converts the seed into catalog inputs.
func (s CatalogSeed) Inputs() ([]dues.DuesTypeInput, error) {
	out := make([]dues.DuesTypeInput, 0, len(s.DuesTypes))
	for _, t := range s.DuesTypes {
		amount, err := decimal.NewFromString(t.BaseAmount)
		if err != nil {
			return nil, fmt.Errorf("dues type %s: %w", t.Name, err)
		}
		active := !t.Inactive
		out = append(out, dues.DuesTypeInput{
			Code:           t.Code,
			Name:           t.Name,
			Description:    t.Description,
			BaseAmount:     amount,
			Mandatory:      t.Mandatory,
			HasBeneficiary: t.HasBeneficiary,
			DisplayOrder:   t.DisplayOrder,
			Active:         &active,
		})
	}
	return out, nil
}

// =============================================================================
// SEEDING
// =============================================================================

// CatalogWriter is the part of the engine Seed needs.
type CatalogWriter interface {
	ListDuesTypes(ctx context.Context, activeOnly bool) ([]dues.DuesType, error)
	CreateDuesType(ctx context.Context, in dues.DuesTypeInput) (dues.DuesType, error)
}

type SeedResult struct {
	Created []dues.DuesType
	Skipped []string // codes already present
}

// Seed creates every type of the seed whose code is not in the catalog yet.
// ctx must carry an actor allowed to write the catalog.
func Seed(ctx context.Context, w CatalogWriter, seed CatalogSeed) (SeedResult, error) {
	existing, err := w.ListDuesTypes(ctx, false)
	if err != nil {
		return SeedResult{}, err
	}
	codes := make(map[string]bool, len(existing))
	for _, t := range existing {
		codes[strings.ToLower(t.Code)] = true
	}

	inputs, err := seed.Inputs()
	if err != nil {
		return SeedResult{}, err
	}
	var res SeedResult
	for _, in := range inputs {
		code := strings.ToLower(strings.TrimSpace(in.Code))
		if code != "" && codes[code] {
			res.Skipped = append(res.Skipped, code)
			continue
		}
		t, err := w.CreateDuesType(ctx, in)
		if errors.Is(err, dues.ErrConflict) {
			// code derived from the name already taken
			res.Skipped = append(res.Skipped, in.Name)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("seed dues type %s: %w", in.Name, err)
		}
		codes[strings.ToLower(t.Code)] = true
		res.Created = append(res.Created, t)
	}
	return res, nil
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultCatalog is the catalog a new association starts with.
func DefaultCatalog() CatalogSeed {
	return CatalogSeed{DuesTypes: []DuesTypeSeed{
		{Code: "monthly", Name: "Monthly dues", BaseAmount: "15", Mandatory: true, DisplayOrder: 1},
		{Code: "death", Name: "Death", Description: "Solidarity contribution after a member's bereavement", BaseAmount: "50", HasBeneficiary: true, DisplayOrder: 2},
		{Code: "birth", Name: "Birth", Description: "Solidarity contribution for a birth", BaseAmount: "20", HasBeneficiary: true, DisplayOrder: 3},
		{Code: "marriage", Name: "Marriage", Description: "Solidarity contribution for a wedding", BaseAmount: "30", HasBeneficiary: true, DisplayOrder: 4},
	}}
}
