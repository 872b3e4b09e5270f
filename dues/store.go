/*
store.go - Persistence interfaces for the dues engine

PURPOSE:
  Defines the boundary between engine logic and the database. The engine
  assumes a relational store with transactions and unique constraints.

KEY INTERFACES:
  CatalogStore:    Dues types
  PlanStore:       Dues plans (uniqueness enforced by the store as a backstop)
  ChargeStore:     Member charges, unique per (plan, member), upsert on conflict
  ObligationStore: One-time membership fee obligations
  AssistanceStore: Solidarity requests
  ReminderStore:   Dunning notices
  MemberStore:     Directory backing data
  TxStore:         Store + WithTx for atomic check-then-act sequences

LOOKUP CONTRACT:
  Get* methods return (nil, nil) when the row does not exist. Writes that
  violate a unique constraint return an error wrapping ErrDuplicate.

IMPLEMENTATIONS:
  - dues/store/memory.go: In-memory, for tests and dev mode
  - store/sqldb: SQLite / PostgreSQL

SEE ALSO:
  - planner.go, propagator.go: Main consumers
*/
package dues

import (
	"context"
	"time"
)

type CatalogStore interface {
	SaveDuesType(ctx context.Context, t DuesType) error
	GetDuesType(ctx context.Context, id DuesTypeID) (*DuesType, error)
	ListDuesTypes(ctx context.Context) ([]DuesType, error)
}

// PlanFilter narrows ListPlans. Zero values mean "any".
type PlanFilter struct {
	Period        *Period
	DuesTypeID    *DuesTypeID
	BeneficiaryID *MemberID
	Statuses      []PlanStatus
}

type PlanStore interface {
	InsertPlan(ctx context.Context, p DuesPlan) error
	UpdatePlan(ctx context.Context, p DuesPlan) error
	DeletePlan(ctx context.Context, id PlanID) error
	GetPlan(ctx context.Context, id PlanID) (*DuesPlan, error)

	// FindFlatPlan returns the active plan for (period, type) with no beneficiary.
	FindFlatPlan(ctx context.Context, period Period, typeID DuesTypeID) (*DuesPlan, error)

	// FindBeneficiaryPlan returns the active plan targeting beneficiary in period,
	// whatever its dues type.
	FindBeneficiaryPlan(ctx context.Context, period Period, beneficiary MemberID) (*DuesPlan, error)

	// ListPlans returns plans ordered by period desc. Callers apply display order.
	ListPlans(ctx context.Context, filter PlanFilter) ([]DuesPlan, error)

	CountPlansByDuesType(ctx context.Context, typeID DuesTypeID) (int, error)
}

type ChargeStore interface {
	// UpsertCharges inserts or updates charges keyed by (PlanID, MemberID).
	// On conflict the existing row keeps its ID, AmountPaid and CreatedAt.
	UpsertCharges(ctx context.Context, charges []MemberCharge) error
	UpdateCharge(ctx context.Context, c MemberCharge) error
	GetCharge(ctx context.Context, id ChargeID) (*MemberCharge, error)
	ListChargesByPlan(ctx context.Context, planID PlanID) ([]MemberCharge, error)
	ListChargesByMember(ctx context.Context, memberID MemberID) ([]MemberCharge, error)
	CountChargesByPlan(ctx context.Context, planID PlanID) (int, error)
	DeleteChargesByPlan(ctx context.Context, planID PlanID) (int, error)

	// MarkOverdue flags unpaid charges whose due date is before dueBefore
	// (see OverdueCutoff), stamping them updated at now.
	MarkOverdue(ctx context.Context, dueBefore, now time.Time) (int, error)
}

type ObligationStore interface {
	SaveObligation(ctx context.Context, o MembershipFeeObligation) error
	GetObligation(ctx context.Context, id ObligationID) (*MembershipFeeObligation, error)
	ListObligationsByMember(ctx context.Context, memberID MemberID) ([]MembershipFeeObligation, error)
	DeleteObligation(ctx context.Context, id ObligationID) error
}

// AssistanceFilter narrows ListAssistance. Zero values mean "any".
type AssistanceFilter struct {
	BeneficiaryID *MemberID
	Status        *AssistanceStatus
}

type AssistanceStore interface {
	SaveAssistance(ctx context.Context, r AssistanceRequest) error
	GetAssistance(ctx context.Context, id AssistanceID) (*AssistanceRequest, error)
	DeleteAssistance(ctx context.Context, id AssistanceID) error
	ListAssistance(ctx context.Context, filter AssistanceFilter) ([]AssistanceRequest, error)
}

type ReminderStore interface {
	SaveReminder(ctx context.Context, r Reminder) error
	ListRemindersByMember(ctx context.Context, memberID MemberID) ([]Reminder, error)
}

type MemberStore interface {
	SaveMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	ListMembers(ctx context.Context) ([]Member, error)
}

// Store aggregates every persistence concern of the engine.
type Store interface {
	CatalogStore
	PlanStore
	ChargeStore
	ObligationStore
	AssistanceStore
	ReminderStore
	MemberStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
