/*
Package dues provides the recurring financial obligation engine.

PURPOSE:
  Plans monthly dues centrally, fans each plan out into one charge per
  eligible member, mirrors solidarity (assistance) events into the dues
  plan, and drives automated reminders from aggregate member debt.

KEY CONCEPTS IN THIS FILE (types.go):
  - DuesType: Catalog category (flat fee or beneficiary based)
  - DuesPlan: The single planning record for (period, type[, beneficiary])
  - MemberCharge: Per-member payable instance of a plan
  - MembershipFeeObligation: One-time payable (admission fee)
  - AssistanceRequest: Solidarity event, peer of a mirrored DuesPlan
  - Reminder: Dunning notice, rate limited by a cooldown

DESIGN PRINCIPLES:
  1. Precision: All money uses decimal.Decimal, never float64
  2. Snapshots: A plan copies its amount, later catalog edits never rewrite history
  3. Type Safety: Distinct ID types keep members, plans and charges apart
  4. Storage agnostic: Persistence goes through the Store interfaces (store.go)

SEE ALSO:
  - planner.go: Plan creation/edit/delete invariants
  - propagator.go: Charge fan-out and amount rebasing
  - mirror.go: Assistance <-> plan synchronization
  - reminders.go: Debt computation and reminder sweep
*/
package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type DuesTypeID string
type PlanID string
type ChargeID string
type ObligationID string
type AssistanceID string
type ReminderID string

// =============================================================================
// MONEY HELPERS
// =============================================================================

// Remaining returns max(0, due - paid).
func Remaining(due, paid decimal.Decimal) decimal.Decimal {
	r := due.Sub(paid)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// MustAmount parses a decimal literal. Use in tests and fixtures only.
func MustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleGuest  Role = "guest"
	RoleSystem Role = "system"
)

// Member is the directory view of an adherent.
type Member struct {
	ID       MemberID
	Name     string
	Email    string
	Status   MemberStatus
	Role     Role
	Veteran  bool
	JoinedAt time.Time
}

// IsDuesEligible reports whether the member receives charges on fan-out.
// Only active members holding the ordinary member role pay dues.
func (m Member) IsDuesEligible() bool {
	return m.Status == MemberActive && m.Role == RoleMember
}

// =============================================================================
// DUES TYPE - Catalog entry
// =============================================================================

type DuesType struct {
	ID             DuesTypeID
	Code           string // stable key, also the assistance event type for beneficiary types
	Name           string
	Description    string
	BaseAmount     decimal.Decimal
	Mandatory      bool
	HasBeneficiary bool
	DisplayOrder   int
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// DUES PLAN - Planning record
// =============================================================================

type PlanStatus string

const (
	PlanPlanned      PlanStatus = "planned"
	PlanMaterialized PlanStatus = "materialized"
	PlanCancelled    PlanStatus = "cancelled"
)

type DuesPlan struct {
	ID            PlanID
	Period        Period
	DuesTypeID    DuesTypeID
	Amount        decimal.Decimal
	DueDate       time.Time
	Description   string
	BeneficiaryID *MemberID
	AssistanceID  *AssistanceID // back-reference when mirrored from an assistance request
	Status        PlanStatus
	CreatedBy     MemberID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsActive reports whether the plan counts toward uniqueness invariants.
func (p DuesPlan) IsActive() bool {
	return p.Status != PlanCancelled
}

// HasBeneficiary reports whether the plan targets a solidarity beneficiary.
func (p DuesPlan) HasBeneficiary() bool {
	return p.BeneficiaryID != nil && *p.BeneficiaryID != ""
}

// =============================================================================
// MEMBER CHARGE - Materialized per-member instance of a plan
// =============================================================================

type ChargeStatus string

const (
	ChargePending       ChargeStatus = "pending"
	ChargePartiallyPaid ChargeStatus = "partially_paid"
	ChargePaid          ChargeStatus = "paid"
	ChargeOverdue       ChargeStatus = "overdue"
)

type MemberCharge struct {
	ID          ChargeID
	PlanID      PlanID
	Period      Period
	DuesTypeID  DuesTypeID
	MemberID    MemberID
	AmountDue   decimal.Decimal
	AmountPaid  decimal.Decimal
	Remaining   decimal.Decimal
	DueDate     time.Time
	Status      ChargeStatus
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Rebase sets a new due amount and recomputes remaining and status.
// AmountPaid is never touched.
func (c *MemberCharge) Rebase(due decimal.Decimal, now time.Time) {
	c.AmountDue = due
	c.Remaining = Remaining(due, c.AmountPaid)
	c.Status = chargeStatusFor(c.AmountDue, c.AmountPaid, c.DueDate, now)
	c.UpdatedAt = now
}

func chargeStatusFor(due, paid decimal.Decimal, dueDate, now time.Time) ChargeStatus {
	switch {
	case !Remaining(due, paid).IsPositive():
		return ChargePaid
	case IsOverdue(dueDate, now):
		return ChargeOverdue
	case paid.IsPositive():
		return ChargePartiallyPaid
	default:
		return ChargePending
	}
}

// OverdueCutoff is the start of now's UTC day. A charge due strictly before
// it is overdue; a charge due today is not. Stores use the same cutoff.
func OverdueCutoff(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func IsOverdue(dueDate, now time.Time) bool {
	return !dueDate.IsZero() && dueDate.Before(OverdueCutoff(now))
}

// =============================================================================
// MEMBERSHIP FEE OBLIGATION - One-time payable
// =============================================================================

type ObligationStatus string

const (
	ObligationPending       ObligationStatus = "pending"
	ObligationPartiallyPaid ObligationStatus = "partially_paid"
	ObligationPaid          ObligationStatus = "paid"
)

type MembershipFeeObligation struct {
	ID             ObligationID
	MemberID       MemberID
	AmountExpected decimal.Decimal
	AmountPaid     decimal.Decimal
	Remaining      decimal.Decimal
	DueDate        time.Time
	Status         ObligationStatus
	PeriodLabel    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func obligationStatusFor(expected, paid decimal.Decimal) ObligationStatus {
	switch {
	case !Remaining(expected, paid).IsPositive():
		return ObligationPaid
	case paid.IsPositive():
		return ObligationPartiallyPaid
	default:
		return ObligationPending
	}
}

// =============================================================================
// ASSISTANCE REQUEST - Solidarity event
// =============================================================================

type AssistanceStatus string

const (
	AssistancePending   AssistanceStatus = "pending"
	AssistanceValidated AssistanceStatus = "validated"
	AssistanceCancelled AssistanceStatus = "cancelled"
)

type AssistanceRequest struct {
	ID            AssistanceID
	BeneficiaryID MemberID
	EventType     string // Code of a beneficiary-type DuesType
	Amount        decimal.Decimal
	EventDate     time.Time
	AmountPaid    decimal.Decimal
	Remaining     decimal.Decimal
	Status        AssistanceStatus
	Description   string
	PlanID        PlanID
	CreatedBy     MemberID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// =============================================================================
// REMINDER - Dunning notice
// =============================================================================

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderRead      ReminderStatus = "read"
	ReminderWithdrawn ReminderStatus = "withdrawn" // never dispatched; debt fell below the threshold
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

type Reminder struct {
	ID        ReminderID
	MemberID  MemberID
	Amount    decimal.Decimal
	Channel   Channel
	Status    ReminderStatus
	Attempts  int
	LastError string
	SentAt    *time.Time
	CreatedAt time.Time
}

// At returns the timestamp the cooldown rule measures from.
// A reminder that was never dispatched counts from its creation.
func (r Reminder) At() time.Time {
	if r.SentAt != nil {
		return *r.SentAt
	}
	return r.CreatedAt
}
