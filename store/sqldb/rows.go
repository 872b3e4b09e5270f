package sqldb

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
)

// Row structs map columns one-to-one; conversion to domain types happens in
// toX/fromX so the dues package carries no db tags.

type memberRow struct {
	ID       string    `db:"id"`
	Name     string    `db:"name"`
	Email    string    `db:"email"`
	Status   string    `db:"status"`
	Role     string    `db:"role"`
	Veteran  bool      `db:"veteran"`
	JoinedAt time.Time `db:"joined_at"`
}

func (r memberRow) toMember() dues.Member {
	return dues.Member{
		ID:       dues.MemberID(r.ID),
		Name:     r.Name,
		Email:    r.Email,
		Status:   dues.MemberStatus(r.Status),
		Role:     dues.Role(r.Role),
		Veteran:  r.Veteran,
		JoinedAt: r.JoinedAt,
	}
}

type duesTypeRow struct {
	ID             string          `db:"id"`
	Code           string          `db:"code"`
	Name           string          `db:"name"`
	Description    string          `db:"description"`
	BaseAmount     decimal.Decimal `db:"base_amount"`
	Mandatory      bool            `db:"mandatory"`
	HasBeneficiary bool            `db:"has_beneficiary"`
	DisplayOrder   int             `db:"display_order"`
	Active         bool            `db:"active"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r duesTypeRow) toDuesType() dues.DuesType {
	return dues.DuesType{
		ID:             dues.DuesTypeID(r.ID),
		Code:           r.Code,
		Name:           r.Name,
		Description:    r.Description,
		BaseAmount:     r.BaseAmount,
		Mandatory:      r.Mandatory,
		HasBeneficiary: r.HasBeneficiary,
		DisplayOrder:   r.DisplayOrder,
		Active:         r.Active,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type planRow struct {
	ID            string          `db:"id"`
	Period        string          `db:"period"`
	DuesTypeID    string          `db:"dues_type_id"`
	Amount        decimal.Decimal `db:"amount"`
	DueDate       time.Time       `db:"due_date"`
	Description   string          `db:"description"`
	BeneficiaryID sql.NullString  `db:"beneficiary_id"`
	AssistanceID  sql.NullString  `db:"assistance_id"`
	Status        string          `db:"status"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r planRow) toPlan() (dues.DuesPlan, error) {
	period, err := dues.ParsePeriod(r.Period)
	if err != nil {
		return dues.DuesPlan{}, err
	}
	p := dues.DuesPlan{
		ID:          dues.PlanID(r.ID),
		Period:      period,
		DuesTypeID:  dues.DuesTypeID(r.DuesTypeID),
		Amount:      r.Amount,
		DueDate:     r.DueDate,
		Description: r.Description,
		Status:      dues.PlanStatus(r.Status),
		CreatedBy:   dues.MemberID(r.CreatedBy),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.BeneficiaryID.Valid {
		b := dues.MemberID(r.BeneficiaryID.String)
		p.BeneficiaryID = &b
	}
	if r.AssistanceID.Valid {
		a := dues.AssistanceID(r.AssistanceID.String)
		p.AssistanceID = &a
	}
	return p, nil
}

type chargeRow struct {
	ID          string          `db:"id"`
	PlanID      string          `db:"plan_id"`
	Period      string          `db:"period"`
	DuesTypeID  string          `db:"dues_type_id"`
	MemberID    string          `db:"member_id"`
	AmountDue   decimal.Decimal `db:"amount_due"`
	AmountPaid  decimal.Decimal `db:"amount_paid"`
	Remaining   decimal.Decimal `db:"remaining"`
	DueDate     time.Time       `db:"due_date"`
	Status      string          `db:"status"`
	Description string          `db:"description"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

func (r chargeRow) toCharge() (dues.MemberCharge, error) {
	period, err := dues.ParsePeriod(r.Period)
	if err != nil {
		return dues.MemberCharge{}, err
	}
	return dues.MemberCharge{
		ID:          dues.ChargeID(r.ID),
		PlanID:      dues.PlanID(r.PlanID),
		Period:      period,
		DuesTypeID:  dues.DuesTypeID(r.DuesTypeID),
		MemberID:    dues.MemberID(r.MemberID),
		AmountDue:   r.AmountDue,
		AmountPaid:  r.AmountPaid,
		Remaining:   r.Remaining,
		DueDate:     r.DueDate,
		Status:      dues.ChargeStatus(r.Status),
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

type obligationRow struct {
	ID             string          `db:"id"`
	MemberID       string          `db:"member_id"`
	AmountExpected decimal.Decimal `db:"amount_expected"`
	AmountPaid     decimal.Decimal `db:"amount_paid"`
	Remaining      decimal.Decimal `db:"remaining"`
	DueDate        sql.NullTime    `db:"due_date"`
	Status         string          `db:"status"`
	PeriodLabel    string          `db:"period_label"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r obligationRow) toObligation() dues.MembershipFeeObligation {
	o := dues.MembershipFeeObligation{
		ID:             dues.ObligationID(r.ID),
		MemberID:       dues.MemberID(r.MemberID),
		AmountExpected: r.AmountExpected,
		AmountPaid:     r.AmountPaid,
		Remaining:      r.Remaining,
		Status:         dues.ObligationStatus(r.Status),
		PeriodLabel:    r.PeriodLabel,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.DueDate.Valid {
		o.DueDate = r.DueDate.Time
	}
	return o
}

type assistanceRow struct {
	ID            string          `db:"id"`
	BeneficiaryID string          `db:"beneficiary_id"`
	EventType     string          `db:"event_type"`
	Amount        decimal.Decimal `db:"amount"`
	EventDate     time.Time       `db:"event_date"`
	AmountPaid    decimal.Decimal `db:"amount_paid"`
	Remaining     decimal.Decimal `db:"remaining"`
	Status        string          `db:"status"`
	Description   string          `db:"description"`
	PlanID        string          `db:"plan_id"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r assistanceRow) toAssistance() dues.AssistanceRequest {
	return dues.AssistanceRequest{
		ID:            dues.AssistanceID(r.ID),
		BeneficiaryID: dues.MemberID(r.BeneficiaryID),
		EventType:     r.EventType,
		Amount:        r.Amount,
		EventDate:     r.EventDate,
		AmountPaid:    r.AmountPaid,
		Remaining:     r.Remaining,
		Status:        dues.AssistanceStatus(r.Status),
		Description:   r.Description,
		PlanID:        dues.PlanID(r.PlanID),
		CreatedBy:     dues.MemberID(r.CreatedBy),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type reminderRow struct {
	ID        string          `db:"id"`
	MemberID  string          `db:"member_id"`
	Amount    decimal.Decimal `db:"amount"`
	Channel   string          `db:"channel"`
	Status    string          `db:"status"`
	Attempts  int             `db:"attempts"`
	LastError string          `db:"last_error"`
	SentAt    sql.NullTime    `db:"sent_at"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r reminderRow) toReminder() dues.Reminder {
	rem := dues.Reminder{
		ID:        dues.ReminderID(r.ID),
		MemberID:  dues.MemberID(r.MemberID),
		Amount:    r.Amount,
		Channel:   dues.Channel(r.Channel),
		Status:    dues.ReminderStatus(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		rem.SentAt = &t
	}
	return rem
}

// =============================================================================
// Argument helpers
// =============================================================================

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullMember(id *dues.MemberID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

func nullAssistance(id *dues.AssistanceID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}
