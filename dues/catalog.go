/*
catalog.go - Dues type catalog

PURPOSE:
  Admin-managed list of dues categories. Flat-fee types produce one plan per
  period; beneficiary types produce one plan per (period, beneficiary).

CACHING:
  The catalog is read on nearly every plan operation and written rarely.
  Reads go through an in-memory map loaded on first use. Every write made
  through the catalog invalidates it; writes made elsewhere must call
  Invalidate explicitly.

  The cache is per process. With several nodes on one database, a write on
  one node reaches the others when their cache expires (TTL) or, for the
  reminder threshold, at the start of the next sweep, which always reloads.

STANDARD MONTHLY AMOUNT:
  StandardMonthlyAmount is the single source of the reminder threshold base.
  It reads the configured standard type, or falls back to the first active
  mandatory flat-fee type by display order.

SEE ALSO:
  - planner.go: Validates plan types against the catalog
  - reminders.go: Threshold = multiplier x StandardMonthlyAmount
*/
package dues

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DuesTypeInput struct {
	Code           string
	Name           string
	Description    string
	BaseAmount     decimal.Decimal
	Mandatory      bool
	HasBeneficiary bool
	DisplayOrder   int
	Active         *bool
}

// DuesTypeUpdate carries only the fields to change.
type DuesTypeUpdate struct {
	Name           *string
	Description    *string
	BaseAmount     *decimal.Decimal
	Mandatory      *bool
	HasBeneficiary *bool
	DisplayOrder   *int
	Active         *bool
}

type Catalog struct {
	store      Store
	standardID DuesTypeID
	clock      Clock

	// TTL bounds how long a loaded catalog is served. Zero: until invalidated.
	TTL time.Duration

	mu       sync.RWMutex
	cache    map[DuesTypeID]DuesType
	loaded   bool
	loadedAt time.Time
}

func NewCatalog(store Store, standardID DuesTypeID, clock Clock) *Catalog {
	return &Catalog{store: store, standardID: standardID, clock: clock}
}

// Invalidate drops the cached catalog. The next read reloads it.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.loaded = false
}

func (c *Catalog) load(ctx context.Context) (map[DuesTypeID]DuesType, error) {
	c.mu.RLock()
	if c.loaded && (c.TTL <= 0 || c.clock().Sub(c.loadedAt) < c.TTL) {
		m := c.cache
		c.mu.RUnlock()
		return m, nil
	}
	c.mu.RUnlock()

	types, err := c.store.ListDuesTypes(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[DuesTypeID]DuesType, len(types))
	for _, t := range types {
		m[t.ID] = t
	}

	c.mu.Lock()
	c.cache = m
	c.loaded = true
	c.loadedAt = c.clock()
	c.mu.Unlock()
	return m, nil
}

// Get returns a dues type or a NotFoundError.
func (c *Catalog) Get(ctx context.Context, id DuesTypeID) (DuesType, error) {
	m, err := c.load(ctx)
	if err != nil {
		return DuesType{}, err
	}
	t, ok := m[id]
	if !ok {
		return DuesType{}, notFound("dues type", id)
	}
	return t, nil
}

// ByCode finds an active dues type by its code.
func (c *Catalog) ByCode(ctx context.Context, code string) (DuesType, error) {
	m, err := c.load(ctx)
	if err != nil {
		return DuesType{}, err
	}
	for _, t := range m {
		if t.Active && strings.EqualFold(t.Code, code) {
			return t, nil
		}
	}
	return DuesType{}, notFound("dues type with code", code)
}

// List returns dues types ordered by display order, then name.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]DuesType, error) {
	m, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DuesType, 0, len(m))
	for _, t := range m {
		if activeOnly && !t.Active {
			continue
		}
		out = append(out, t)
	}
	sortDuesTypes(out)
	return out, nil
}

func sortDuesTypes(ts []DuesType) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].DisplayOrder != ts[j].DisplayOrder {
			return ts[i].DisplayOrder < ts[j].DisplayOrder
		}
		return ts[i].Name < ts[j].Name
	})
}

// displayOrder returns the display order of each known type, for plan listings.
func (c *Catalog) displayOrder(ctx context.Context) (map[DuesTypeID]int, error) {
	m, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[DuesTypeID]int, len(m))
	for id, t := range m {
		out[id] = t.DisplayOrder
	}
	return out, nil
}

// Create adds a dues type to the catalog.
func (c *Catalog) Create(ctx context.Context, in DuesTypeInput) (DuesType, error) {
	if strings.TrimSpace(in.Name) == "" {
		return DuesType{}, invalid("name", "is required")
	}
	if in.BaseAmount.IsNegative() {
		return DuesType{}, invalid("base_amount", "must be >= 0, got %s", in.BaseAmount)
	}
	code := strings.TrimSpace(in.Code)
	if code == "" {
		code = slug(in.Name)
	}
	if _, err := c.ByCode(ctx, code); err == nil {
		return DuesType{}, &ConflictError{
			Entity:  "dues type",
			Message: "a dues type with code " + code + " already exists",
		}
	}

	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := c.clock()
	t := DuesType{
		ID:             DuesTypeID(uuid.NewString()),
		Code:           code,
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		BaseAmount:     in.BaseAmount,
		Mandatory:      in.Mandatory,
		HasBeneficiary: in.HasBeneficiary,
		DisplayOrder:   in.DisplayOrder,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.SaveDuesType(ctx, t); err != nil {
		return DuesType{}, err
	}
	c.Invalidate()
	return t, nil
}

// Update applies a partial edit. HasBeneficiary is frozen once any plan
// references the type, since it decides which uniqueness rule plans follow.
func (c *Catalog) Update(ctx context.Context, id DuesTypeID, u DuesTypeUpdate) (DuesType, error) {
	t, err := c.Get(ctx, id)
	if err != nil {
		return DuesType{}, err
	}

	if u.HasBeneficiary != nil && *u.HasBeneficiary != t.HasBeneficiary {
		n, err := c.store.CountPlansByDuesType(ctx, id)
		if err != nil {
			return DuesType{}, err
		}
		if n > 0 {
			return DuesType{}, &ConflictError{
				Entity:     "dues type",
				ExistingID: string(id),
				Message:    "has_beneficiary cannot change: dues type " + t.Name + " is referenced by existing plans",
			}
		}
		t.HasBeneficiary = *u.HasBeneficiary
	}
	if u.Name != nil {
		if strings.TrimSpace(*u.Name) == "" {
			return DuesType{}, invalid("name", "must not be empty")
		}
		t.Name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.BaseAmount != nil {
		if u.BaseAmount.IsNegative() {
			return DuesType{}, invalid("base_amount", "must be >= 0, got %s", *u.BaseAmount)
		}
		t.BaseAmount = *u.BaseAmount
	}
	if u.Mandatory != nil {
		t.Mandatory = *u.Mandatory
	}
	if u.DisplayOrder != nil {
		t.DisplayOrder = *u.DisplayOrder
	}
	if u.Active != nil {
		t.Active = *u.Active
	}
	t.UpdatedAt = c.clock()

	if err := c.store.SaveDuesType(ctx, t); err != nil {
		return DuesType{}, err
	}
	c.Invalidate()
	return t, nil
}

// StandardMonthlyAmount returns the canonical single monthly dues amount.
func (c *Catalog) StandardMonthlyAmount(ctx context.Context) (decimal.Decimal, error) {
	if c.standardID != "" {
		t, err := c.Get(ctx, c.standardID)
		if err != nil {
			return decimal.Zero, err
		}
		return t.BaseAmount, nil
	}
	types, err := c.List(ctx, true)
	if err != nil {
		return decimal.Zero, err
	}
	for _, t := range types {
		if t.Mandatory && !t.HasBeneficiary {
			return t.BaseAmount, nil
		}
	}
	return decimal.Zero, invalid("standard_dues_type", "no active mandatory flat-fee dues type in the catalog")
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}
