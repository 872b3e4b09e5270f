/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types carry no
  JSON tags; the API contract lives here.

NAMING CONVENTION:
  - *DTO:     Response types returned inside the Result envelope
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Amounts travel as
  decimal strings ("15.50"), dates as "YYYY-MM-DD", periods as "YYYY-MM".
  The custom tags decimal, date and period are registered in newValidator.
  A failed tag becomes a dues.ValidationError named after the JSON field.

SEE ALSO:
  - handlers.go: Uses these types
  - dues/types.go: Domain records
*/
package api

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/dues-engine/dues"
)

const dateLayout = "2006-01-02"

// =============================================================================
// VALIDATION
// =============================================================================

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(dateLayout, fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("period", func(fl validator.FieldLevel) bool {
		_, err := dues.ParsePeriod(fl.Field().String())
		return err == nil
	})
	return v
}

// validationError converts the first failed tag into a domain ValidationError.
func validationError(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return &dues.ValidationError{Message: err.Error()}
	}
	fe := ves[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "decimal":
		msg = "must be a decimal amount"
	case "date":
		msg = "must be a date (YYYY-MM-DD)"
	case "period":
		msg = "must be a period (YYYY-MM)"
	case "oneof":
		msg = "must be one of " + fe.Param()
	case "email":
		msg = "must be an email address"
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return &dues.ValidationError{Field: fe.Field(), Message: msg}
}

// Parsers for already-validated fields. Errors only surface for inputs that
// bypassed validation.

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &dues.ValidationError{Field: "amount", Message: "must be a decimal amount"}
	}
	return d, nil
}

func parseOptionalAmount(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseAmount(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, &dues.ValidationError{Field: field, Message: "must be a date (YYYY-MM-DD)"}
	}
	return t, nil
}

func parseOptionalDate(field string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseDate(field, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateDuesTypeRequest struct {
	Code           string `json:"code" validate:"omitempty,max=50"`
	Name           string `json:"name" validate:"required,max=100"`
	Description    string `json:"description" validate:"max=500"`
	BaseAmount     string `json:"baseAmount" validate:"required,decimal"`
	Mandatory      bool   `json:"mandatory"`
	HasBeneficiary bool   `json:"hasBeneficiary"`
	DisplayOrder   int    `json:"displayOrder" validate:"gte=0"`
	Active         *bool  `json:"active"`
}

type UpdateDuesTypeRequest struct {
	Name           *string `json:"name" validate:"omitempty,max=100"`
	Description    *string `json:"description" validate:"omitempty,max=500"`
	BaseAmount     *string `json:"baseAmount" validate:"omitempty,decimal"`
	Mandatory      *bool   `json:"mandatory"`
	HasBeneficiary *bool   `json:"hasBeneficiary"`
	DisplayOrder   *int    `json:"displayOrder" validate:"omitempty,gte=0"`
	Active         *bool   `json:"active"`
}

type CreatePlanRequest struct {
	Period        string  `json:"period" validate:"required,period"`
	DuesTypeID    string  `json:"duesTypeId" validate:"required"`
	Amount        *string `json:"amount" validate:"omitempty,decimal"`
	DueDate       string  `json:"dueDate" validate:"omitempty,date"`
	Description   string  `json:"description" validate:"max=500"`
	BeneficiaryID *string `json:"beneficiaryId"`
}

type UpdatePlanRequest struct {
	Amount      *string `json:"amount" validate:"omitempty,decimal"`
	DueDate     *string `json:"dueDate" validate:"omitempty,date"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

type CreateAssistanceRequest struct {
	BeneficiaryID string `json:"beneficiaryId" validate:"required"`
	EventType     string `json:"eventType" validate:"required"`
	Amount        string `json:"amount" validate:"required,decimal"`
	EventDate     string `json:"eventDate" validate:"required,date"`
	DueDate       string `json:"dueDate" validate:"omitempty,date"`
	Description   string `json:"description" validate:"max=500"`
}

type UpdateAssistanceRequest struct {
	Amount      *string `json:"amount" validate:"omitempty,decimal"`
	EventDate   *string `json:"eventDate" validate:"omitempty,date"`
	Description *string `json:"description" validate:"omitempty,max=500"`
}

type SaveMemberRequest struct {
	ID       string `json:"id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=100"`
	Email    string `json:"email" validate:"omitempty,email"`
	Status   string `json:"status" validate:"omitempty,oneof=active inactive"`
	Role     string `json:"role" validate:"omitempty,oneof=member admin guest"`
	JoinedAt string `json:"joinedAt" validate:"omitempty,date"`
}

type CreateObligationRequest struct {
	MemberID    string `json:"memberId" validate:"required"`
	Amount      string `json:"amount" validate:"required,decimal"`
	DueDate     string `json:"dueDate" validate:"omitempty,date"`
	PeriodLabel string `json:"periodLabel" validate:"max=50"`
}

type PaymentRequest struct {
	Amount string `json:"amount" validate:"required,decimal"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type DuesTypeDTO struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	BaseAmount     decimal.Decimal `json:"baseAmount"`
	Mandatory      bool            `json:"mandatory"`
	HasBeneficiary bool            `json:"hasBeneficiary"`
	DisplayOrder   int             `json:"displayOrder"`
	Active         bool            `json:"active"`
}

func toDuesTypeDTO(t dues.DuesType) DuesTypeDTO {
	return DuesTypeDTO{
		ID:             string(t.ID),
		Code:           t.Code,
		Name:           t.Name,
		Description:    t.Description,
		BaseAmount:     t.BaseAmount,
		Mandatory:      t.Mandatory,
		HasBeneficiary: t.HasBeneficiary,
		DisplayOrder:   t.DisplayOrder,
		Active:         t.Active,
	}
}

type PlanDTO struct {
	ID            string          `json:"id"`
	Period        dues.Period     `json:"period"`
	DuesTypeID    string          `json:"duesTypeId"`
	Amount        decimal.Decimal `json:"amount"`
	DueDate       string          `json:"dueDate"`
	Description   string          `json:"description,omitempty"`
	BeneficiaryID *string         `json:"beneficiaryId,omitempty"`
	AssistanceID  *string         `json:"assistanceId,omitempty"`
	Status        string          `json:"status"`
	CreatedBy     string          `json:"createdBy"`
}

func toPlanDTO(p dues.DuesPlan) PlanDTO {
	dto := PlanDTO{
		ID:          string(p.ID),
		Period:      p.Period,
		DuesTypeID:  string(p.DuesTypeID),
		Amount:      p.Amount,
		DueDate:     formatDate(p.DueDate),
		Description: p.Description,
		Status:      string(p.Status),
		CreatedBy:   string(p.CreatedBy),
	}
	if p.HasBeneficiary() {
		b := string(*p.BeneficiaryID)
		dto.BeneficiaryID = &b
	}
	if p.AssistanceID != nil {
		a := string(*p.AssistanceID)
		dto.AssistanceID = &a
	}
	return dto
}

type ChargeDTO struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"planId"`
	Period      dues.Period     `json:"period"`
	DuesTypeID  string          `json:"duesTypeId"`
	MemberID    string          `json:"memberId"`
	AmountDue   decimal.Decimal `json:"amountDue"`
	AmountPaid  decimal.Decimal `json:"amountPaid"`
	Remaining   decimal.Decimal `json:"remaining"`
	DueDate     string          `json:"dueDate"`
	Status      string          `json:"status"`
	Description string          `json:"description,omitempty"`
}

func toChargeDTO(c dues.MemberCharge) ChargeDTO {
	return ChargeDTO{
		ID:          string(c.ID),
		PlanID:      string(c.PlanID),
		Period:      c.Period,
		DuesTypeID:  string(c.DuesTypeID),
		MemberID:    string(c.MemberID),
		AmountDue:   c.AmountDue,
		AmountPaid:  c.AmountPaid,
		Remaining:   c.Remaining,
		DueDate:     formatDate(c.DueDate),
		Status:      string(c.Status),
		Description: c.Description,
	}
}

type ObligationDTO struct {
	ID             string          `json:"id"`
	MemberID       string          `json:"memberId"`
	AmountExpected decimal.Decimal `json:"amountExpected"`
	AmountPaid     decimal.Decimal `json:"amountPaid"`
	Remaining      decimal.Decimal `json:"remaining"`
	DueDate        string          `json:"dueDate,omitempty"`
	Status         string          `json:"status"`
	PeriodLabel    string          `json:"periodLabel,omitempty"`
}

func toObligationDTO(o dues.MembershipFeeObligation) ObligationDTO {
	return ObligationDTO{
		ID:             string(o.ID),
		MemberID:       string(o.MemberID),
		AmountExpected: o.AmountExpected,
		AmountPaid:     o.AmountPaid,
		Remaining:      o.Remaining,
		DueDate:        formatDate(o.DueDate),
		Status:         string(o.Status),
		PeriodLabel:    o.PeriodLabel,
	}
}

type AssistanceDTO struct {
	ID            string          `json:"id"`
	BeneficiaryID string          `json:"beneficiaryId"`
	EventType     string          `json:"eventType"`
	Amount        decimal.Decimal `json:"amount"`
	EventDate     string          `json:"eventDate"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        string          `json:"status"`
	Description   string          `json:"description,omitempty"`
	PlanID        string          `json:"planId"`
}

func toAssistanceDTO(a dues.AssistanceRequest) AssistanceDTO {
	return AssistanceDTO{
		ID:            string(a.ID),
		BeneficiaryID: string(a.BeneficiaryID),
		EventType:     a.EventType,
		Amount:        a.Amount,
		EventDate:     formatDate(a.EventDate),
		AmountPaid:    a.AmountPaid,
		Remaining:     a.Remaining,
		Status:        string(a.Status),
		Description:   a.Description,
		PlanID:        string(a.PlanID),
	}
}

type AssistanceCreatedDTO struct {
	Request AssistanceDTO `json:"request"`
	Plan    PlanDTO       `json:"plan"`
}

type MemberDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Status   string `json:"status"`
	Role     string `json:"role"`
	Veteran  bool   `json:"veteran"`
	JoinedAt string `json:"joinedAt"`
}

func toMemberDTO(m dues.Member) MemberDTO {
	return MemberDTO{
		ID:       string(m.ID),
		Name:     m.Name,
		Email:    m.Email,
		Status:   string(m.Status),
		Role:     string(m.Role),
		Veteran:  m.Veteran,
		JoinedAt: formatDate(m.JoinedAt),
	}
}

type ReminderDTO struct {
	ID        string          `json:"id"`
	MemberID  string          `json:"memberId"`
	Amount    decimal.Decimal `json:"amount"`
	Channel   string          `json:"channel"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	SentAt    *time.Time      `json:"sentAt,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toReminderDTO(r dues.Reminder) ReminderDTO {
	return ReminderDTO{
		ID:        string(r.ID),
		MemberID:  string(r.MemberID),
		Amount:    r.Amount,
		Channel:   string(r.Channel),
		Status:    string(r.Status),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		SentAt:    r.SentAt,
		CreatedAt: r.CreatedAt,
	}
}

type MaterializeResultDTO struct {
	Plan           PlanDTO `json:"plan"`
	ChargesCreated int     `json:"chargesCreated"`
	ChargesUpdated int     `json:"chargesUpdated"`
}

type DebtDTO struct {
	MemberID    string          `json:"memberId"`
	Outstanding decimal.Decimal `json:"outstanding"`
	Threshold   decimal.Decimal `json:"threshold"`
	Eligible    bool            `json:"reminderEligible"`
}

type ThresholdDTO struct {
	Threshold decimal.Decimal `json:"threshold"`
}

type VeteranResultDTO struct {
	Member  MemberDTO `json:"member"`
	Removed []string  `json:"removedObligations"`
	Settled []string  `json:"settledObligations"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type HealthDTO struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// mapSlice converts a slice of domain records, never returning nil so the
// envelope carries [] rather than null.
func mapSlice[T, D any](in []T, f func(T) D) []D {
	out := make([]D, 0, len(in))
	for _, v := range in {
		out = append(out, f(v))
	}
	return out
}

func idStrings[T ~string](ids []T) []string {
	return mapSlice(ids, func(id T) string { return string(id) })
}
