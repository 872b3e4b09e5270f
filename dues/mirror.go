/*
mirror.go - Assistance request <-> dues plan synchronization

PURPOSE:
  A solidarity event (death, birth, marriage...) is recorded as an
  AssistanceRequest and funded through a beneficiary-type DuesPlan for the
  event's month. The two are peers linked both ways:

    AssistanceRequest.PlanID  ──▶ DuesPlan
    DuesPlan.AssistanceID     ──▶ AssistanceRequest

  Every write touches both records in one transaction, so neither side can
  be observed without the other.

EVENT TYPE:
  The request's EventType is the Code of an active beneficiary-type dues type.

RULES:
  1. One benefit per beneficiary per month, across all beneficiary types.
     A second request is rejected with a ConflictError naming the existing type.
  2. Amount and description edits flow to the plan, then to its charges.
  3. EventDate may move inside its month only; the plan's period is fixed.
  4. Delete/cancel is allowed only while the plan has no charges, and cancels
     the plan. Delete also detaches the plan so it can be removed later.

SEE ALSO:
  - planner.go: insertChecked / updateInTx / cancelInTx
  - propagator.go: Charge rebase after an amount change
*/
package dues

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AssistanceInput struct {
	BeneficiaryID MemberID
	EventType     string
	Amount        decimal.Decimal
	EventDate     time.Time
	DueDate       time.Time // zero: last day of the event's month
	Description   string
}

// AssistanceUpdate carries only the fields to change.
type AssistanceUpdate struct {
	Amount      *decimal.Decimal
	EventDate   *time.Time
	Description *string
}

type Mirror struct {
	store   TxStore
	catalog *Catalog
	planner *Planner
	locker  Locker
	clock   Clock
	log     *zap.Logger
}

func NewMirror(store TxStore, catalog *Catalog, planner *Planner, locker Locker, clock Clock, log *zap.Logger) *Mirror {
	return &Mirror{store: store, catalog: catalog, planner: planner, locker: locker, clock: clock, log: log}
}

// OnAssistanceCreated records the request together with its mirrored plan.
func (m *Mirror) OnAssistanceCreated(ctx context.Context, in AssistanceInput) (AssistanceRequest, DuesPlan, error) {
	if in.BeneficiaryID == "" {
		return AssistanceRequest{}, DuesPlan{}, invalid("beneficiary_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return AssistanceRequest{}, DuesPlan{}, invalid("amount", "must be > 0, got %s", in.Amount)
	}
	if in.EventDate.IsZero() {
		return AssistanceRequest{}, DuesPlan{}, invalid("event_date", "is required")
	}
	dt, err := m.eventType(ctx, in.EventType)
	if err != nil {
		return AssistanceRequest{}, DuesPlan{}, err
	}

	beneficiary := in.BeneficiaryID
	amount := in.Amount
	plan, err := m.planner.buildPlan(ctx, PlanInput{
		Period:        PeriodOf(in.EventDate),
		DuesTypeID:    dt.ID,
		Amount:        &amount,
		DueDate:       in.DueDate,
		Description:   in.Description,
		BeneficiaryID: &beneficiary,
	})
	if err != nil {
		return AssistanceRequest{}, DuesPlan{}, err
	}

	now := m.clock()
	req := AssistanceRequest{
		ID:            AssistanceID(uuid.NewString()),
		BeneficiaryID: in.BeneficiaryID,
		EventType:     dt.Code,
		Amount:        in.Amount,
		EventDate:     in.EventDate,
		AmountPaid:    decimal.Zero,
		Remaining:     in.Amount,
		Status:        AssistancePending,
		Description:   in.Description,
		PlanID:        plan.ID,
		CreatedBy:     plan.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	plan.AssistanceID = &req.ID

	unlock, err := m.locker.Lock(ctx, planLockKey(plan))
	if err != nil {
		return AssistanceRequest{}, DuesPlan{}, err
	}
	defer unlock()

	err = m.store.WithTx(ctx, func(s Store) error {
		if err := m.planner.insertChecked(ctx, s, plan); err != nil {
			return err
		}
		return s.SaveAssistance(ctx, req)
	})
	if err != nil {
		return AssistanceRequest{}, DuesPlan{}, err
	}

	m.log.Info("assistance request created",
		zap.String("assistance_id", string(req.ID)),
		zap.String("beneficiary_id", string(req.BeneficiaryID)),
		zap.String("event_type", req.EventType),
		zap.String("plan_id", string(plan.ID)))
	return req, plan, nil
}

// OnAssistanceUpdated applies the edit to the request and its plan together.
func (m *Mirror) OnAssistanceUpdated(ctx context.Context, id AssistanceID, u AssistanceUpdate) (AssistanceRequest, error) {
	if u.Amount != nil && !u.Amount.IsPositive() {
		return AssistanceRequest{}, invalid("amount", "must be > 0, got %s", *u.Amount)
	}

	var out AssistanceRequest
	err := m.store.WithTx(ctx, func(s Store) error {
		req, err := loadAssistance(ctx, s, id)
		if err != nil {
			return err
		}
		if req.Status == AssistanceCancelled {
			return &ConflictError{
				Entity:     "assistance request",
				ExistingID: string(id),
				Message:    fmt.Sprintf("assistance request %s is cancelled", id),
			}
		}
		if u.EventDate != nil && !u.EventDate.IsZero() && !PeriodOf(*u.EventDate).Equal(PeriodOf(req.EventDate)) {
			return invalid("event_date", "cannot move from %s to %s; cancel and create a new request",
				PeriodOf(req.EventDate), PeriodOf(*u.EventDate))
		}

		plan, err := loadPlan(ctx, s, req.PlanID)
		if err != nil {
			return err
		}
		_, change, err := m.planner.updateInTx(ctx, s, *plan, PlanUpdate{
			Amount:      u.Amount,
			Description: u.Description,
		})
		if err != nil {
			return err
		}

		if change.AmountChanged {
			req.Amount = change.NewAmount
			req.Remaining = Remaining(req.Amount, req.AmountPaid)
		}
		if u.Description != nil {
			req.Description = *u.Description
		}
		if u.EventDate != nil && !u.EventDate.IsZero() {
			req.EventDate = *u.EventDate
		}
		req.UpdatedAt = m.clock()
		if err := s.SaveAssistance(ctx, *req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	if err != nil {
		return AssistanceRequest{}, err
	}
	return out, nil
}

// OnAssistanceDeleted removes the request and cancels its plan.
func (m *Mirror) OnAssistanceDeleted(ctx context.Context, id AssistanceID) error {
	return m.store.WithTx(ctx, func(s Store) error {
		req, err := loadAssistance(ctx, s, id)
		if err != nil {
			return err
		}
		if err := m.cancelMirroredPlan(ctx, s, req.PlanID, true); err != nil {
			return err
		}
		return s.DeleteAssistance(ctx, id)
	})
}

// OnAssistanceCancelled keeps the request as cancelled and cancels its plan.
func (m *Mirror) OnAssistanceCancelled(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	var out AssistanceRequest
	err := m.store.WithTx(ctx, func(s Store) error {
		req, err := loadAssistance(ctx, s, id)
		if err != nil {
			return err
		}
		if req.Status == AssistanceCancelled {
			out = *req
			return nil
		}
		if err := m.cancelMirroredPlan(ctx, s, req.PlanID, false); err != nil {
			return err
		}
		req.Status = AssistanceCancelled
		req.UpdatedAt = m.clock()
		if err := s.SaveAssistance(ctx, *req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	return out, err
}

// Validate moves a pending request to validated.
func (m *Mirror) Validate(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	var out AssistanceRequest
	err := m.store.WithTx(ctx, func(s Store) error {
		req, err := loadAssistance(ctx, s, id)
		if err != nil {
			return err
		}
		switch req.Status {
		case AssistanceValidated:
			out = *req
			return nil
		case AssistanceCancelled:
			return &ConflictError{
				Entity:     "assistance request",
				ExistingID: string(id),
				Message:    fmt.Sprintf("assistance request %s is cancelled and cannot be validated", id),
			}
		}
		req.Status = AssistanceValidated
		req.UpdatedAt = m.clock()
		if err := s.SaveAssistance(ctx, *req); err != nil {
			return err
		}
		out = *req
		return nil
	})
	return out, err
}

func (m *Mirror) Get(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	req, err := loadAssistance(ctx, m.store, id)
	if err != nil {
		return AssistanceRequest{}, err
	}
	return *req, nil
}

func (m *Mirror) List(ctx context.Context, filter AssistanceFilter) ([]AssistanceRequest, error) {
	return m.store.ListAssistance(ctx, filter)
}

// cancelMirroredPlan cancels the request's plan. With detach, the back-reference
// is cleared too, for requests that are about to disappear.
func (m *Mirror) cancelMirroredPlan(ctx context.Context, s Store, planID PlanID, detach bool) error {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		// The plan is gone already; nothing left to keep in sync.
		return nil
	}
	cancelled, err := m.planner.cancelInTx(ctx, s, *plan)
	if err != nil || !detach || cancelled.AssistanceID == nil {
		return err
	}
	cancelled.AssistanceID = nil
	cancelled.UpdatedAt = m.clock()
	return s.UpdatePlan(ctx, cancelled)
}

// eventType resolves the beneficiary-type dues type for an event code.
func (m *Mirror) eventType(ctx context.Context, code string) (DuesType, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return DuesType{}, invalid("event_type", "is required")
	}
	dt, err := m.catalog.ByCode(ctx, code)
	if err != nil {
		return DuesType{}, invalid("event_type", "unknown event type %q", code)
	}
	if !dt.HasBeneficiary {
		return DuesType{}, invalid("event_type", "dues type %s does not take a beneficiary", dt.Name)
	}
	return dt, nil
}

func loadAssistance(ctx context.Context, s AssistanceStore, id AssistanceID) (*AssistanceRequest, error) {
	req, err := s.GetAssistance(ctx, id)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, notFound("assistance request", id)
	}
	return req, nil
}
