/*
handlers.go - HTTP API handlers for the dues engine

PURPOSE:
  Exposes the dues engine via REST API. Handles HTTP request/response,
  JSON decoding and validation, and delegates to the engine.

ENDPOINTS:
  Dues types:
    GET    /api/dues-types                 List catalog (?active=true)
    POST   /api/dues-types                 Create dues type
    GET    /api/dues-types/{id}            Get dues type
    PATCH  /api/dues-types/{id}            Update dues type

  Plans:
    GET    /api/plans                      List (?period, duesTypeId, beneficiaryId, status)
    POST   /api/plans                      Create plan
    GET    /api/plans/{id}                 Get plan
    PATCH  /api/plans/{id}                 Update plan (propagates to charges)
    DELETE /api/plans/{id}                 Delete plan without charges
    POST   /api/plans/{id}/materialize     Fan out charges now
    POST   /api/plans/{id}/cancel          Cancel plan
    GET    /api/plans/{id}/charges         Charges of a plan

  Assistance:
    GET    /api/assistance                 List (?beneficiaryId, status)
    POST   /api/assistance                 Create request and its mirrored plan
    GET    /api/assistance/{id}            Get request
    PATCH  /api/assistance/{id}            Update request and plan
    DELETE /api/assistance/{id}            Delete request and plan
    POST   /api/assistance/{id}/validate   Pending -> validated
    POST   /api/assistance/{id}/cancel     Cancel request and plan

  Members:
    GET    /api/members                    List members
    POST   /api/members                    Create or replace member
    GET    /api/members/{id}               Get member
    GET    /api/members/{id}/charges       Charges, newest period first
    GET    /api/members/{id}/debt          Outstanding debt vs threshold
    GET    /api/members/{id}/reminders     Reminders, newest first
    GET    /api/members/{id}/obligations   Membership fee obligations
    POST   /api/members/{id}/veteran       Mark veteran

  Payments and obligations:
    POST   /api/obligations                Create obligation
    POST   /api/obligations/{id}/payments  Record obligation payment
    POST   /api/charges/{id}/payments      Record charge payment

  Sweeps:
    POST   /api/sweeps/materialization     Run materialization sweep
    POST   /api/sweeps/reminders           Run reminder sweep
    GET    /api/reminders/threshold        Current reminder threshold

RESPONSES:
  Every response body is the dues.Result envelope:
    {"success": true,  "data": ...}
    {"success": false, "error": "...", "errorKind": "conflict"}

  HTTP status follows errorKind:
    validation 400, unauthorized 403 (401 without an actor), not_found 404,
    conflict / plan_has_charges / plan_cancelled 409, immutable_period 422,
    transient 503, internal 500.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *dues.Engine

	// Pinger backs /healthz. nil reports healthy.
	Pinger func(ctx context.Context) error

	validate *validator.Validate
	log      *zap.Logger
}

func NewHandler(engine *dues.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, validate: newValidator(), log: log}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeResult[T any](w http.ResponseWriter, status int, res dues.Result[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

// respond writes data with okStatus, or err with the status of its kind.
func respond[T any](h *Handler, w http.ResponseWriter, r *http.Request, okStatus int, data T, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("request failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
		}
		writeResult(w, status, dues.NewResult[any](nil, err))
		return
	}
	writeResult(w, okStatus, dues.NewResult(data, nil))
}

func statusFor(err error) int {
	switch dues.KindOf(err) {
	case dues.KindValidation:
		return http.StatusBadRequest
	case dues.KindUnauthorized:
		var ue *dues.UnauthorizedError
		if errors.As(err, &ue) && ue.ActorID == "" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case dues.KindNotFound:
		return http.StatusNotFound
	case dues.KindConflict, dues.KindPlanHasCharges, dues.KindPlanCancelled:
		return http.StatusConflict
	case dues.KindImmutable:
		return http.StatusUnprocessableEntity
	case dues.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &dues.ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func pathID[T ~string](r *http.Request) T {
	return T(chi.URLParam(r, "id"))
}

// =============================================================================
// DUES TYPE HANDLERS
// =============================================================================

func (h *Handler) ListDuesTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	types, err := h.Engine.ListDuesTypes(r.Context(), activeOnly)
	respond(h, w, r, http.StatusOK, mapSlice(types, toDuesTypeDTO), err)
}

func (h *Handler) GetDuesType(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetDuesType(r.Context(), pathID[dues.DuesTypeID](r))
	respond(h, w, r, http.StatusOK, toDuesTypeDTO(t), err)
}

// CreateDuesType adds a catalog entry.
// POST /api/dues-types
func (h *Handler) CreateDuesType(w http.ResponseWriter, r *http.Request) {
	var req CreateDuesTypeRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseAmount(req.BaseAmount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	t, err := h.Engine.CreateDuesType(r.Context(), dues.DuesTypeInput{
		Code:           req.Code,
		Name:           req.Name,
		Description:    req.Description,
		BaseAmount:     amount,
		Mandatory:      req.Mandatory,
		HasBeneficiary: req.HasBeneficiary,
		DisplayOrder:   req.DisplayOrder,
		Active:         req.Active,
	})
	respond(h, w, r, http.StatusCreated, toDuesTypeDTO(t), err)
}

// UpdateDuesType applies a partial update.
// PATCH /api/dues-types/{id}
func (h *Handler) UpdateDuesType(w http.ResponseWriter, r *http.Request) {
	var req UpdateDuesTypeRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseOptionalAmount(req.BaseAmount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	t, err := h.Engine.UpdateDuesType(r.Context(), pathID[dues.DuesTypeID](r), dues.DuesTypeUpdate{
		Name:           req.Name,
		Description:    req.Description,
		BaseAmount:     amount,
		Mandatory:      req.Mandatory,
		HasBeneficiary: req.HasBeneficiary,
		DisplayOrder:   req.DisplayOrder,
		Active:         req.Active,
	})
	respond(h, w, r, http.StatusOK, toDuesTypeDTO(t), err)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns plans, most recent period first then catalog order.
// GET /api/plans?period=2025-12&duesTypeId=...&beneficiaryId=...&status=planned
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter dues.PlanFilter
	if s := q.Get("period"); s != "" {
		p, err := dues.ParsePeriod(s)
		if err != nil {
			respond[any](h, w, r, 0, nil, &dues.ValidationError{Field: "period", Message: "must be a period (YYYY-MM)"})
			return
		}
		filter.Period = &p
	}
	if s := q.Get("duesTypeId"); s != "" {
		id := dues.DuesTypeID(s)
		filter.DuesTypeID = &id
	}
	if s := q.Get("beneficiaryId"); s != "" {
		id := dues.MemberID(s)
		filter.BeneficiaryID = &id
	}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, dues.PlanStatus(s))
	}
	plans, err := h.Engine.ListPlans(r.Context(), filter)
	respond(h, w, r, http.StatusOK, mapSlice(plans, toPlanDTO), err)
}

func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPlan(r.Context(), pathID[dues.PlanID](r))
	respond(h, w, r, http.StatusOK, toPlanDTO(p), err)
}

// CreatePlan records a flat or beneficiary plan for a period.
// POST /api/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	in, err := req.toInput()
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	p, err := h.Engine.CreatePlan(r.Context(), in)
	respond(h, w, r, http.StatusCreated, toPlanDTO(p), err)
}

func (req CreatePlanRequest) toInput() (dues.PlanInput, error) {
	period, err := dues.ParsePeriod(req.Period)
	if err != nil {
		return dues.PlanInput{}, &dues.ValidationError{Field: "period", Message: "must be a period (YYYY-MM)"}
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		return dues.PlanInput{}, err
	}
	due, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		return dues.PlanInput{}, err
	}
	in := dues.PlanInput{
		Period:      period,
		DuesTypeID:  dues.DuesTypeID(req.DuesTypeID),
		Amount:      amount,
		DueDate:     due,
		Description: req.Description,
	}
	if req.BeneficiaryID != nil && *req.BeneficiaryID != "" {
		b := dues.MemberID(*req.BeneficiaryID)
		in.BeneficiaryID = &b
	}
	return in, nil
}

// UpdatePlan edits an editable plan and propagates the change to charges.
// PATCH /api/plans/{id}
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var req UpdatePlanRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	due, err := parseOptionalDate("dueDate", req.DueDate)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	p, err := h.Engine.UpdatePlan(r.Context(), pathID[dues.PlanID](r), dues.PlanUpdate{
		Amount:      amount,
		DueDate:     due,
		Description: req.Description,
	})
	respond(h, w, r, http.StatusOK, toPlanDTO(p), err)
}

func (h *Handler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := pathID[dues.PlanID](r)
	err := h.Engine.DeletePlan(r.Context(), id)
	respond(h, w, r, http.StatusOK, map[string]string{"id": string(id)}, err)
}

func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.CancelPlan(r.Context(), pathID[dues.PlanID](r))
	respond(h, w, r, http.StatusOK, toPlanDTO(p), err)
}

// MaterializePlan fans the plan out to every eligible member now.
// POST /api/plans/{id}/materialize
func (h *Handler) MaterializePlan(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.MaterializePlan(r.Context(), pathID[dues.PlanID](r))
	respond(h, w, r, http.StatusOK, MaterializeResultDTO{
		Plan:           toPlanDTO(res.Plan),
		ChargesCreated: res.ChargesCreated,
		ChargesUpdated: res.ChargesUpdated,
	}, err)
}

func (h *Handler) PlanCharges(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Engine.PlanCharges(r.Context(), pathID[dues.PlanID](r))
	respond(h, w, r, http.StatusOK, mapSlice(cs, toChargeDTO), err)
}

// =============================================================================
// ASSISTANCE HANDLERS
// =============================================================================

func (h *Handler) ListAssistance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter dues.AssistanceFilter
	if s := q.Get("beneficiaryId"); s != "" {
		id := dues.MemberID(s)
		filter.BeneficiaryID = &id
	}
	if s := q.Get("status"); s != "" {
		st := dues.AssistanceStatus(s)
		filter.Status = &st
	}
	rs, err := h.Engine.ListAssistance(r.Context(), filter)
	respond(h, w, r, http.StatusOK, mapSlice(rs, toAssistanceDTO), err)
}

func (h *Handler) GetAssistance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.GetAssistance(r.Context(), pathID[dues.AssistanceID](r))
	respond(h, w, r, http.StatusOK, toAssistanceDTO(a), err)
}

// CreateAssistance records a solidarity event and mirrors it into a plan.
// POST /api/assistance
func (h *Handler) CreateAssistance(w http.ResponseWriter, r *http.Request) {
	var req CreateAssistanceRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	eventDate, err := parseDate("eventDate", req.EventDate)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	due, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	created, err := h.Engine.CreateAssistance(r.Context(), dues.AssistanceInput{
		BeneficiaryID: dues.MemberID(req.BeneficiaryID),
		EventType:     req.EventType,
		Amount:        amount,
		EventDate:     eventDate,
		DueDate:       due,
		Description:   req.Description,
	})
	respond(h, w, r, http.StatusCreated, AssistanceCreatedDTO{
		Request: toAssistanceDTO(created.Request),
		Plan:    toPlanDTO(created.Plan),
	}, err)
}

func (h *Handler) UpdateAssistance(w http.ResponseWriter, r *http.Request) {
	var req UpdateAssistanceRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseOptionalAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	eventDate, err := parseOptionalDate("eventDate", req.EventDate)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	a, err := h.Engine.UpdateAssistance(r.Context(), pathID[dues.AssistanceID](r), dues.AssistanceUpdate{
		Amount:      amount,
		EventDate:   eventDate,
		Description: req.Description,
	})
	respond(h, w, r, http.StatusOK, toAssistanceDTO(a), err)
}

func (h *Handler) DeleteAssistance(w http.ResponseWriter, r *http.Request) {
	id := pathID[dues.AssistanceID](r)
	err := h.Engine.DeleteAssistance(r.Context(), id)
	respond(h, w, r, http.StatusOK, map[string]string{"id": string(id)}, err)
}

func (h *Handler) ValidateAssistance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.ValidateAssistance(r.Context(), pathID[dues.AssistanceID](r))
	respond(h, w, r, http.StatusOK, toAssistanceDTO(a), err)
}

func (h *Handler) CancelAssistance(w http.ResponseWriter, r *http.Request) {
	a, err := h.Engine.CancelAssistance(r.Context(), pathID[dues.AssistanceID](r))
	respond(h, w, r, http.StatusOK, toAssistanceDTO(a), err)
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Engine.ListMembers(r.Context())
	respond(h, w, r, http.StatusOK, mapSlice(ms, toMemberDTO), err)
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.GetMember(r.Context(), pathID[dues.MemberID](r))
	respond(h, w, r, http.StatusOK, toMemberDTO(m), err)
}

// SaveMember creates or replaces a directory entry.
// POST /api/members
func (h *Handler) SaveMember(w http.ResponseWriter, r *http.Request) {
	var req SaveMemberRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	joined, err := parseDate("joinedAt", req.JoinedAt)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	m, err := h.Engine.SaveMember(r.Context(), dues.Member{
		ID:       dues.MemberID(req.ID),
		Name:     req.Name,
		Email:    req.Email,
		Status:   dues.MemberStatus(req.Status),
		Role:     dues.Role(req.Role),
		JoinedAt: joined,
	})
	respond(h, w, r, http.StatusOK, toMemberDTO(m), err)
}

func (h *Handler) MemberCharges(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Engine.MemberCharges(r.Context(), pathID[dues.MemberID](r))
	respond(h, w, r, http.StatusOK, mapSlice(cs, toChargeDTO), err)
}

// MemberDebt reports outstanding debt against the reminder threshold.
// GET /api/members/{id}/debt
func (h *Handler) MemberDebt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := pathID[dues.MemberID](r)
	debt, err := h.Engine.OutstandingDebt(ctx, id)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	threshold, err := h.Engine.ReminderThreshold(ctx)
	respond(h, w, r, http.StatusOK, DebtDTO{
		MemberID:    string(id),
		Outstanding: debt,
		Threshold:   threshold,
		Eligible:    dues.IsReminderEligible(debt, threshold),
	}, err)
}

func (h *Handler) MemberReminders(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Engine.MemberReminders(r.Context(), pathID[dues.MemberID](r))
	respond(h, w, r, http.StatusOK, mapSlice(rs, toReminderDTO), err)
}

func (h *Handler) MemberObligations(w http.ResponseWriter, r *http.Request) {
	obs, err := h.Engine.ListObligations(r.Context(), pathID[dues.MemberID](r))
	respond(h, w, r, http.StatusOK, mapSlice(obs, toObligationDTO), err)
}

// MarkVeteran flags the member and clears or settles open obligations.
// POST /api/members/{id}/veteran
func (h *Handler) MarkVeteran(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.MarkVeteran(r.Context(), pathID[dues.MemberID](r))
	respond(h, w, r, http.StatusOK, VeteranResultDTO{
		Member:  toMemberDTO(res.Member),
		Removed: idStrings(res.Removed),
		Settled: idStrings(res.Settled),
	}, err)
}

// =============================================================================
// OBLIGATION AND PAYMENT HANDLERS
// =============================================================================

func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req CreateObligationRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	due, err := parseDate("dueDate", req.DueDate)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	o, err := h.Engine.CreateObligation(r.Context(), dues.ObligationInput{
		MemberID:    dues.MemberID(req.MemberID),
		Amount:      amount,
		DueDate:     due,
		PeriodLabel: req.PeriodLabel,
	})
	respond(h, w, r, http.StatusCreated, toObligationDTO(o), err)
}

func (h *Handler) RecordObligationPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	o, err := h.Engine.RecordObligationPayment(r.Context(), pathID[dues.ObligationID](r), amount)
	respond(h, w, r, http.StatusOK, toObligationDTO(o), err)
}

func (h *Handler) RecordChargePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	c, err := h.Engine.RecordChargePayment(r.Context(), pathID[dues.ChargeID](r), amount)
	respond(h, w, r, http.StatusOK, toChargeDTO(c), err)
}

// =============================================================================
// SWEEP HANDLERS
// =============================================================================

// RunMaterializationSweep materializes every plan of the open periods.
// POST /api/sweeps/materialization
func (h *Handler) RunMaterializationSweep(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.RunMaterializationSweep(r.Context())
	respond(h, w, r, http.StatusOK, s, err)
}

// RunReminderSweep marks overdue charges and reminds members above threshold.
// POST /api/sweeps/reminders
func (h *Handler) RunReminderSweep(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.RunReminderSweep(r.Context())
	respond(h, w, r, http.StatusOK, s, err)
}

func (h *Handler) ReminderThreshold(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.ReminderThreshold(r.Context())
	respond(h, w, r, http.StatusOK, ThresholdDTO{Threshold: t}, err)
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.Engine.Now().UTC().Format(time.RFC3339)
	if h.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Pinger(ctx); err != nil {
			respond[any](h, w, r, 0, nil, fmt.Errorf("%w: %v", dues.ErrTransient, err))
			return
		}
	}
	respond(h, w, r, http.StatusOK, HealthDTO{Status: "ok", Time: now}, nil)
}
