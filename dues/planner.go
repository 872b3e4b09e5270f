/*
planner.go - Monthly dues planning

PURPOSE:
  Owns the DuesPlan entity: one planning record per (period, dues type) for
  flat-fee types, one per (period, beneficiary) for beneficiary types.

INVARIANTS:
  1. Flat types: at most one active plan per (period, type) with no beneficiary
  2. Beneficiary types: at most one active plan per (period, beneficiary),
     across ALL beneficiary types (one solidarity benefit per member per month)
  3. Editable only while the period is the current or the next month
  4. Deletable only with zero derived charges

ATOMICITY:
  The uniqueness check and the insert run under a keyed lock and inside one
  store transaction. The store's unique indexes are the last line: a lost
  race surfaces as ErrDuplicate, reported as a ConflictError.

  Lock keys:
    flat:        plan:<period>:type:<dues type>
    beneficiary: plan:<period>:beneficiary:<member>

STATE MACHINE:
  planned ──▶ materialized
     │             │
     └──▶ cancelled ◀┘   (terminal, only while no payment was recorded)

SEE ALSO:
  - propagator.go: Fan-out and amount rebasing triggered by edits
  - mirror.go: Creates/edits plans on behalf of assistance requests
*/
package dues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PlanInput describes a plan to create.
type PlanInput struct {
	Period        Period
	DuesTypeID    DuesTypeID
	Amount        *decimal.Decimal // nil: use the dues type base amount
	DueDate       time.Time        // zero: last day of the period
	Description   string
	BeneficiaryID *MemberID
}

// PlanUpdate carries only the fields to change.
type PlanUpdate struct {
	Amount      *decimal.Decimal
	DueDate     *time.Time
	Description *string
}

// IsEmpty reports whether the update changes nothing.
func (u PlanUpdate) IsEmpty() bool {
	return u.Amount == nil && u.DueDate == nil && u.Description == nil
}

// PlanChange records what an update actually changed.
type PlanChange struct {
	AmountChanged      bool
	OldAmount          decimal.Decimal
	NewAmount          decimal.Decimal
	DueDateChanged     bool
	DescriptionChanged bool
}

func (c PlanChange) touchesCharges() bool {
	return c.AmountChanged || c.DueDateChanged || c.DescriptionChanged
}

type Planner struct {
	store      TxStore
	catalog    *Catalog
	directory  MemberDirectory
	locker     Locker
	propagator *Propagator
	clock      Clock
	log        *zap.Logger
}

func NewPlanner(store TxStore, catalog *Catalog, directory MemberDirectory, locker Locker, propagator *Propagator, clock Clock, log *zap.Logger) *Planner {
	return &Planner{
		store:      store,
		catalog:    catalog,
		directory:  directory,
		locker:     locker,
		propagator: propagator,
		clock:      clock,
		log:        log,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreatePlan validates and records a new plan with status planned.
func (p *Planner) CreatePlan(ctx context.Context, in PlanInput) (DuesPlan, error) {
	plan, err := p.buildPlan(ctx, in)
	if err != nil {
		return DuesPlan{}, err
	}

	unlock, err := p.locker.Lock(ctx, planLockKey(plan))
	if err != nil {
		return DuesPlan{}, err
	}
	defer unlock()

	err = p.store.WithTx(ctx, func(s Store) error {
		return p.insertChecked(ctx, s, plan)
	})
	if err != nil {
		return DuesPlan{}, err
	}

	p.log.Info("plan created",
		zap.String("plan_id", string(plan.ID)),
		zap.String("period", plan.Period.String()),
		zap.String("dues_type_id", string(plan.DuesTypeID)),
		zap.String("amount", plan.Amount.String()))
	return plan, nil
}

// buildPlan validates input against the catalog and directory. It performs no writes.
func (p *Planner) buildPlan(ctx context.Context, in PlanInput) (DuesPlan, error) {
	if !in.Period.Valid() {
		return DuesPlan{}, invalid("period", "is required (YYYY-MM)")
	}
	if in.DuesTypeID == "" {
		return DuesPlan{}, invalid("dues_type_id", "is required")
	}
	dt, err := p.catalog.Get(ctx, in.DuesTypeID)
	if err != nil {
		return DuesPlan{}, err
	}
	if !dt.Active {
		return DuesPlan{}, invalid("dues_type_id", "dues type %s is inactive", dt.Name)
	}

	amount := dt.BaseAmount
	if in.Amount != nil {
		amount = *in.Amount
	}
	if amount.IsNegative() {
		return DuesPlan{}, invalid("amount", "must be >= 0, got %s", amount)
	}

	hasBeneficiary := in.BeneficiaryID != nil && *in.BeneficiaryID != ""
	switch {
	case dt.HasBeneficiary && !hasBeneficiary:
		return DuesPlan{}, invalid("beneficiary_id", "is required for dues type %s", dt.Name)
	case !dt.HasBeneficiary && hasBeneficiary:
		return DuesPlan{}, invalid("beneficiary_id", "dues type %s does not take a beneficiary", dt.Name)
	}
	var beneficiary *MemberID
	if hasBeneficiary {
		m, err := p.directory.GetMember(ctx, *in.BeneficiaryID)
		if err != nil {
			return DuesPlan{}, err
		}
		if m == nil {
			return DuesPlan{}, notFound("member", *in.BeneficiaryID)
		}
		id := m.ID
		beneficiary = &id
	}

	dueDate := in.DueDate
	if dueDate.IsZero() {
		dueDate = in.Period.End()
	}

	creator := MemberID("")
	if a, ok := CurrentActor(ctx); ok {
		creator = a.ID
	}
	now := p.clock()
	return DuesPlan{
		ID:            PlanID(uuid.NewString()),
		Period:        in.Period,
		DuesTypeID:    dt.ID,
		Amount:        amount,
		DueDate:       dueDate,
		Description:   in.Description,
		BeneficiaryID: beneficiary,
		Status:        PlanPlanned,
		CreatedBy:     creator,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// insertChecked runs the uniqueness check and the insert against s.
// Callers hold the plan lock and run inside a transaction.
func (p *Planner) insertChecked(ctx context.Context, s Store, plan DuesPlan) error {
	if err := checkPlanUnique(ctx, s, plan); err != nil {
		return err
	}
	if err := s.InsertPlan(ctx, plan); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return &ConflictError{
				Entity:  "dues plan",
				Message: fmt.Sprintf("a plan for period %s already exists (concurrent creation)", plan.Period),
			}
		}
		return err
	}
	return nil
}

func checkPlanUnique(ctx context.Context, s Store, plan DuesPlan) error {
	if plan.HasBeneficiary() {
		existing, err := s.FindBeneficiaryPlan(ctx, plan.Period, *plan.BeneficiaryID)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}
		typeName := typeNameOf(ctx, s, existing.DuesTypeID)
		return &ConflictError{
			Entity:     "dues plan",
			ExistingID: string(existing.ID),
			Message: fmt.Sprintf("member %s already has an assistance benefit of type %s for period %s",
				*plan.BeneficiaryID, typeName, plan.Period),
		}
	}

	existing, err := s.FindFlatPlan(ctx, plan.Period, plan.DuesTypeID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return &ConflictError{
		Entity:     "dues plan",
		ExistingID: string(existing.ID),
		Message: fmt.Sprintf("a plan of type %s already exists for period %s",
			typeNameOf(ctx, s, existing.DuesTypeID), plan.Period),
	}
}

func typeNameOf(ctx context.Context, s Store, id DuesTypeID) string {
	t, err := s.GetDuesType(ctx, id)
	if err != nil || t == nil {
		return string(id)
	}
	return t.Name
}

func planLockKey(p DuesPlan) string {
	if p.HasBeneficiary() {
		return fmt.Sprintf("plan:%s:beneficiary:%s", p.Period, *p.BeneficiaryID)
	}
	return fmt.Sprintf("plan:%s:type:%s", p.Period, p.DuesTypeID)
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdatePlan applies the supplied fields. Amount, due date and description
// changes are pushed to existing charges in the same transaction.
// Plans mirrored from an assistance request are edited through the request.
func (p *Planner) UpdatePlan(ctx context.Context, id PlanID, u PlanUpdate) (DuesPlan, error) {
	var updated DuesPlan
	err := p.store.WithTx(ctx, func(s Store) error {
		plan, err := loadPlan(ctx, s, id)
		if err != nil {
			return err
		}
		if plan.AssistanceID != nil {
			return mirroredPlanConflict(*plan)
		}
		updated, _, err = p.updateInTx(ctx, s, *plan, u)
		return err
	})
	if err != nil {
		return DuesPlan{}, err
	}
	return updated, nil
}

// updateInTx validates and applies u to plan using s.
func (p *Planner) updateInTx(ctx context.Context, s Store, plan DuesPlan, u PlanUpdate) (DuesPlan, PlanChange, error) {
	now := p.clock()
	if plan.Status == PlanCancelled {
		return DuesPlan{}, PlanChange{}, fmt.Errorf("plan %s: %w", plan.ID, ErrPlanCancelled)
	}
	if !plan.Period.IsEditableAt(now) {
		return DuesPlan{}, PlanChange{}, &ImmutablePeriodError{PlanID: plan.ID, Period: plan.Period}
	}

	change := PlanChange{OldAmount: plan.Amount, NewAmount: plan.Amount}
	if u.Amount != nil {
		if u.Amount.IsNegative() {
			return DuesPlan{}, PlanChange{}, invalid("amount", "must be >= 0, got %s", *u.Amount)
		}
		if !u.Amount.Equal(plan.Amount) {
			change.AmountChanged = true
			change.NewAmount = *u.Amount
			plan.Amount = *u.Amount
		}
	}
	if u.DueDate != nil && !u.DueDate.IsZero() && !u.DueDate.Equal(plan.DueDate) {
		change.DueDateChanged = true
		plan.DueDate = *u.DueDate
	}
	if u.Description != nil && *u.Description != plan.Description {
		change.DescriptionChanged = true
		plan.Description = *u.Description
	}
	if !change.AmountChanged && !change.DueDateChanged && !change.DescriptionChanged {
		return plan, change, nil
	}

	plan.UpdatedAt = now
	if err := s.UpdatePlan(ctx, plan); err != nil {
		return DuesPlan{}, PlanChange{}, err
	}
	if change.touchesCharges() {
		n, err := p.propagator.rebase(ctx, s, plan)
		if err != nil {
			return DuesPlan{}, PlanChange{}, err
		}
		if change.AmountChanged {
			p.log.Info("plan amount changed",
				zap.String("plan_id", string(plan.ID)),
				zap.String("old_amount", change.OldAmount.String()),
				zap.String("new_amount", change.NewAmount.String()),
				zap.Int("charges_rebased", n))
		}
	}
	return plan, change, nil
}

// =============================================================================
// DELETE / CANCEL
// =============================================================================

// DeletePlan removes a plan that has no charges. Plans mirrored from an
// assistance request are removed through the request.
func (p *Planner) DeletePlan(ctx context.Context, id PlanID) error {
	return p.store.WithTx(ctx, func(s Store) error {
		plan, err := loadPlan(ctx, s, id)
		if err != nil {
			return err
		}
		if plan.AssistanceID != nil {
			return mirroredPlanConflict(*plan)
		}
		if err := ensureNoCharges(ctx, s, plan.ID); err != nil {
			return err
		}
		return s.DeletePlan(ctx, id)
	})
}

// CancelPlan moves a plan to the terminal cancelled state. Unpaid charges of
// the plan are withdrawn; a plan with any recorded payment cannot be cancelled.
// A cancelled plan no longer counts toward uniqueness; a new plan may replace it.
func (p *Planner) CancelPlan(ctx context.Context, id PlanID) (DuesPlan, error) {
	var out DuesPlan
	err := p.store.WithTx(ctx, func(s Store) error {
		plan, err := loadPlan(ctx, s, id)
		if err != nil {
			return err
		}
		if plan.AssistanceID != nil {
			return mirroredPlanConflict(*plan)
		}
		if plan.Status == PlanCancelled {
			out = *plan
			return nil
		}
		charges, err := s.ListChargesByPlan(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range charges {
			if c.AmountPaid.IsPositive() {
				return &ConflictError{
					Entity:     "member charge",
					ExistingID: string(c.ID),
					Message:    fmt.Sprintf("plan %s cannot be cancelled: member %s already paid %s", id, c.MemberID, c.AmountPaid),
				}
			}
		}
		if len(charges) > 0 {
			if _, err := s.DeleteChargesByPlan(ctx, id); err != nil {
				return err
			}
		}
		out, err = p.cancelInTx(ctx, s, *plan)
		return err
	})
	if err != nil {
		return DuesPlan{}, err
	}
	p.log.Info("plan cancelled", zap.String("plan_id", string(id)))
	return out, nil
}

func (p *Planner) cancelInTx(ctx context.Context, s Store, plan DuesPlan) (DuesPlan, error) {
	if plan.Status == PlanCancelled {
		return plan, nil
	}
	if err := ensureNoCharges(ctx, s, plan.ID); err != nil {
		return DuesPlan{}, err
	}
	plan.Status = PlanCancelled
	plan.UpdatedAt = p.clock()
	if err := s.UpdatePlan(ctx, plan); err != nil {
		return DuesPlan{}, err
	}
	return plan, nil
}

func ensureNoCharges(ctx context.Context, s Store, id PlanID) error {
	n, err := s.CountChargesByPlan(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &PlanHasChargesError{PlanID: id, Count: n}
	}
	return nil
}

func mirroredPlanConflict(plan DuesPlan) error {
	return &ConflictError{
		Entity:     "assistance request",
		ExistingID: string(*plan.AssistanceID),
		Message:    fmt.Sprintf("plan %s mirrors assistance request %s; change the request instead", plan.ID, *plan.AssistanceID),
	}
}

// =============================================================================
// READ
// =============================================================================

func (p *Planner) GetPlan(ctx context.Context, id PlanID) (DuesPlan, error) {
	plan, err := loadPlan(ctx, p.store, id)
	if err != nil {
		return DuesPlan{}, err
	}
	return *plan, nil
}

// ListPlans returns plans ordered by period desc, then dues type display order.
func (p *Planner) ListPlans(ctx context.Context, filter PlanFilter) ([]DuesPlan, error) {
	order, err := p.catalog.displayOrder(ctx)
	if err != nil {
		return nil, err
	}
	plans, err := p.store.ListPlans(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortPlans(plans, order)
	return plans, nil
}

func sortPlans(plans []DuesPlan, order map[DuesTypeID]int) {
	sort.SliceStable(plans, func(i, j int) bool {
		a, b := plans[i], plans[j]
		if !a.Period.Equal(b.Period) {
			return a.Period.After(b.Period)
		}
		if order[a.DuesTypeID] != order[b.DuesTypeID] {
			return order[a.DuesTypeID] < order[b.DuesTypeID]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func loadPlan(ctx context.Context, s PlanStore, id PlanID) (*DuesPlan, error) {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, notFound("dues plan", id)
	}
	return plan, nil
}
