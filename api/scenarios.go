/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the engine with realistic
	association data for demos and integration tests.

AVAILABLE SCENARIOS:

	small-association: Default catalog, five members, monthly dues for the
	                   current and next month, materialized
	solidarity-event:  small-association plus a death benefit for a member,
	                   fanned out to everyone else
	debtors:           small-association plus unpaid membership fees that put
	                   one member above the reminder threshold

HOW SCENARIOS WORK:
 1. Seed the default catalog (existing codes are kept)
 2. Save members
 3. Create plans and assistance requests
 4. Run the materialization sweep

Loading is additive and safe to repeat: records that already exist are
reported as conflicts by the engine and skipped here.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "solidarity-event"}

The caller must be an administrator.

SEE ALSO:
  - factory/catalog.go: DefaultCatalog
  - handlers.go: Handler
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "small-association",
		Name:        "Small Association",
		Description: "Default catalog, five members, monthly dues for this month and next",
	},
	{
		ID:          "solidarity-event",
		Name:        "Solidarity Event",
		Description: "A death benefit for one member, charged to every other member",
	},
	{
		ID:          "debtors",
		Name:        "Debtors",
		Description: "Unpaid membership fees put one member above the reminder threshold",
	},
}

var scenarioMembers = []dues.Member{
	{ID: "m-awa", Name: "Awa Diallo", Email: "awa@example.org"},
	{ID: "m-bruno", Name: "Bruno Keita", Email: "bruno@example.org"},
	{ID: "m-chloe", Name: "Chloe Traore", Email: "chloe@example.org"},
	{ID: "m-djibril", Name: "Djibril Sow", Email: "djibril@example.org", Status: dues.MemberInactive},
	{ID: "admin-1", Name: "Treasurer", Email: "treasurer@example.org", Role: dues.RoleAdmin},
}

// ScenarioResult summarizes what a load produced.
type ScenarioResult struct {
	ScenarioID string                      `json:"scenarioId"`
	Members    int                         `json:"members"`
	Plans      int                         `json:"plans"`
	Sweep      dues.MaterializationSummary `json:"sweep"`
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, http.StatusOK, scenarios, nil)
}

// LoadScenario populates the engine with a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		respond[any](h, w, r, 0, nil, err)
		return
	}
	res, err := LoadScenario(r.Context(), h.Engine, req.ScenarioID)
	respond(h, w, r, http.StatusOK, res, err)
}

// =============================================================================
// LOADERS
// =============================================================================

// LoadScenario runs the named scenario against e. ctx carries the actor.
func LoadScenario(ctx context.Context, e *dues.Engine, id string) (ScenarioResult, error) {
	var extra func(context.Context, *dues.Engine, *ScenarioResult) error
	switch id {
	case "small-association":
	case "solidarity-event":
		extra = loadSolidarityEvent
	case "debtors":
		extra = loadDebtors
	default:
		return ScenarioResult{}, &dues.ValidationError{Field: "scenarioId", Message: fmt.Sprintf("unknown scenario %q", id)}
	}

	res := ScenarioResult{ScenarioID: id}
	if err := loadSmallAssociation(ctx, e, &res); err != nil {
		return res, err
	}
	if extra != nil {
		if err := extra(ctx, e, &res); err != nil {
			return res, err
		}
	}

	summary, err := e.RunMaterializationSweep(ctx)
	if err != nil {
		return res, fmt.Errorf("materialize scenario %s: %w", id, err)
	}
	res.Sweep = summary
	return res, nil
}

func loadSmallAssociation(ctx context.Context, e *dues.Engine, res *ScenarioResult) error {
	if _, err := factory.Seed(ctx, e, factory.DefaultCatalog()); err != nil {
		return err
	}
	for _, m := range scenarioMembers {
		m.JoinedAt = e.Now().AddDate(-1, 0, 0)
		if _, err := e.SaveMember(ctx, m); err != nil {
			return fmt.Errorf("save member %s: %w", m.ID, err)
		}
		res.Members++
	}

	monthly, err := e.Catalog.ByCode(ctx, "monthly")
	if err != nil {
		return err
	}
	current := dues.PeriodOf(e.Now())
	for _, p := range []dues.Period{current, current.Next()} {
		_, err := e.CreatePlan(ctx, dues.PlanInput{Period: p, DuesTypeID: monthly.ID})
		if err := skipExisting(err); err != nil {
			return fmt.Errorf("monthly plan %s: %w", p, err)
		}
		if err == nil {
			res.Plans++
		}
	}
	return nil
}

func loadSolidarityEvent(ctx context.Context, e *dues.Engine, res *ScenarioResult) error {
	_, err := e.CreateAssistance(ctx, dues.AssistanceInput{
		BeneficiaryID: "m-awa",
		EventType:     "death",
		Amount:        dues.MustAmount("50"),
		EventDate:     e.Now().Truncate(24 * time.Hour),
		Description:   "Bereavement support for Awa",
	})
	if err := skipExisting(err); err != nil {
		return fmt.Errorf("assistance: %w", err)
	}
	if err == nil {
		res.Plans++
	}
	return nil
}

func loadDebtors(ctx context.Context, e *dues.Engine, _ *ScenarioResult) error {
	existing, err := e.ListObligations(ctx, "m-bruno")
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.PeriodLabel == "membership fee" {
			return nil
		}
	}
	// 40 of fees on top of monthly dues clears the 3x threshold.
	_, err = e.CreateObligation(ctx, dues.ObligationInput{
		MemberID:    "m-bruno",
		Amount:      dues.MustAmount("40"),
		DueDate:     e.Now().AddDate(0, -1, 0),
		PeriodLabel: "membership fee",
	})
	return err
}

// skipExisting drops the conflict of a record created by an earlier load.
func skipExisting(err error) error {
	if errors.Is(err, dues.ErrConflict) {
		return nil
	}
	return err
}
