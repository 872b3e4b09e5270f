/*
propagator.go - Charge fan-out

PURPOSE:
  Turns a DuesPlan into one MemberCharge per eligible member and keeps those
  charges in step with later plan edits.

ELIGIBILITY:
  Active members with the ordinary member role. The plan's beneficiary, if
  any, never receives a charge for that plan.

IDEMPOTENCE:
  Charges are upserted on (plan, member). A second run finds the existing
  rows, keeps their ID and AmountPaid, and rebases AmountDue to the plan
  amount. No duplicates, no payment loss.

ATOMICITY:
  Every upsert and the planned -> materialized transition commit in one
  transaction. A failed run leaves nothing observable and can be retried.

  The member directory is read before the transaction opens: stores hold
  their write lock for the whole transaction.

REBASE (amount change):
  due       = new amount
  paid      = unchanged
  remaining = max(0, due - paid)

  Example: due=50 paid=20, new amount 75 -> due=75 paid=20 remaining=55

SEE ALSO:
  - planner.go: Calls rebase when an edit touches amount/description/due date
  - engine.go: RunMaterializationSweep
*/
package dues

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaterializeResult reports one plan's fan-out.
type MaterializeResult struct {
	Plan           DuesPlan
	ChargesCreated int
	ChargesUpdated int
}

type Propagator struct {
	store     TxStore
	directory MemberDirectory
	locker    Locker
	clock     Clock
	log       *zap.Logger
}

func NewPropagator(store TxStore, directory MemberDirectory, locker Locker, clock Clock, log *zap.Logger) *Propagator {
	return &Propagator{store: store, directory: directory, locker: locker, clock: clock, log: log}
}

// Materialize fans the plan out to every eligible member. A cancelled plan
// is left untouched and reported with ErrPlanCancelled.
func (p *Propagator) Materialize(ctx context.Context, id PlanID) (MaterializeResult, error) {
	unlock, err := p.locker.Lock(ctx, "materialize:"+string(id))
	if err != nil {
		return MaterializeResult{}, err
	}
	defer unlock()

	members, err := p.eligibleMembers(ctx)
	if err != nil {
		return MaterializeResult{}, err
	}

	var res MaterializeResult
	err = p.store.WithTx(ctx, func(s Store) error {
		plan, err := loadPlan(ctx, s, id)
		if err != nil {
			return err
		}
		if plan.Status == PlanCancelled {
			return fmt.Errorf("materialize plan %s: %w", id, ErrPlanCancelled)
		}

		existing, err := s.ListChargesByPlan(ctx, plan.ID)
		if err != nil {
			return err
		}
		byMember := make(map[MemberID]MemberCharge, len(existing))
		for _, c := range existing {
			byMember[c.MemberID] = c
		}

		now := p.clock()
		charges := make([]MemberCharge, 0, len(members))
		for _, m := range members {
			if plan.HasBeneficiary() && m.ID == *plan.BeneficiaryID {
				continue
			}
			c, ok := byMember[m.ID]
			if ok {
				res.ChargesUpdated++
			} else {
				res.ChargesCreated++
				c = MemberCharge{
					ID:         ChargeID(uuid.NewString()),
					PlanID:     plan.ID,
					MemberID:   m.ID,
					AmountPaid: decimal.Zero,
					CreatedAt:  now,
				}
			}
			syncCharge(&c, *plan, now)
			charges = append(charges, c)
		}
		if err := s.UpsertCharges(ctx, charges); err != nil {
			return err
		}

		if plan.Status != PlanMaterialized {
			plan.Status = PlanMaterialized
			plan.UpdatedAt = now
			if err := s.UpdatePlan(ctx, *plan); err != nil {
				return err
			}
		}
		res.Plan = *plan
		return nil
	})
	if err != nil {
		return MaterializeResult{}, err
	}

	p.log.Info("plan materialized",
		zap.String("plan_id", string(id)),
		zap.String("period", res.Plan.Period.String()),
		zap.Int("charges_created", res.ChargesCreated),
		zap.Int("charges_updated", res.ChargesUpdated))
	return res, nil
}

// ApplyAmountChange rebases every charge of the plan onto newAmount without
// touching what members already paid. It returns the number of charges rebased.
func (p *Propagator) ApplyAmountChange(ctx context.Context, id PlanID, oldAmount, newAmount decimal.Decimal) (int, error) {
	if newAmount.IsNegative() {
		return 0, invalid("amount", "must be >= 0, got %s", newAmount)
	}
	if oldAmount.Equal(newAmount) {
		return 0, nil
	}
	var n int
	err := p.store.WithTx(ctx, func(s Store) error {
		plan, err := loadPlan(ctx, s, id)
		if err != nil {
			return err
		}
		if plan.Status == PlanCancelled {
			return fmt.Errorf("plan %s: %w", id, ErrPlanCancelled)
		}
		if !plan.Amount.Equal(newAmount) {
			plan.Amount = newAmount
			plan.UpdatedAt = p.clock()
			if err := s.UpdatePlan(ctx, *plan); err != nil {
				return err
			}
		}
		n, err = p.rebase(ctx, s, *plan)
		return err
	})
	return n, err
}

// rebase copies the plan's amount, due date and description onto its charges.
// Runs inside the caller's transaction.
func (p *Propagator) rebase(ctx context.Context, s Store, plan DuesPlan) (int, error) {
	charges, err := s.ListChargesByPlan(ctx, plan.ID)
	if err != nil {
		return 0, err
	}
	if len(charges) == 0 {
		return 0, nil
	}
	now := p.clock()
	for i := range charges {
		syncCharge(&charges[i], plan, now)
	}
	if err := s.UpsertCharges(ctx, charges); err != nil {
		return 0, err
	}
	return len(charges), nil
}

func syncCharge(c *MemberCharge, plan DuesPlan, now time.Time) {
	c.Period = plan.Period
	c.DuesTypeID = plan.DuesTypeID
	c.DueDate = plan.DueDate
	c.Description = plan.Description
	c.Rebase(plan.Amount, now)
}

func (p *Propagator) eligibleMembers(ctx context.Context) ([]Member, error) {
	all, err := p.directory.ListActiveMembers(ctx, RoleMember)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, m := range all {
		if m.IsDuesEligible() {
			out = append(out, m)
		}
	}
	return out, nil
}
