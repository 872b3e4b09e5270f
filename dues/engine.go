/*
engine.go - Engine facade

PURPOSE:
  The single entry point used by the HTTP layer and the scheduled sweeps.
  Wires the catalog, planner, propagator, mirror, obligations, payments and
  reminder scheduler around one store.

EVERY MUTATING OPERATION:
  1. authorize(actor, operation)   -> Unauthorized before any domain logic
  2. run the component operation
  3. on a transient store error, run it once more
  4. surface the result (the api package wraps it in a Result envelope)

SWEEPS:
  RunMaterializationSweep: planned plans of the open periods, in parallel,
                           one transaction per plan
  RunReminderSweep:        ReminderScheduler.Run
  Both are idempotent and isolate per-item failures in their summary.

SEE ALSO:
  - access.go: Actor and AccessPolicy
  - api/server.go: HTTP surface built on Engine
*/
package dues

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/dues-engine/lock"
)

// MaterializationSummary is the outcome of one materialization sweep.
type MaterializationSummary struct {
	PlansMaterialized int           `json:"plansMaterialized"`
	PlansSkipped      int           `json:"plansSkipped"`
	ChargesCreated    int           `json:"chargesCreated"`
	ChargesUpdated    int           `json:"chargesUpdated"`
	Failures          []PlanFailure `json:"failures"`
}

type Options struct {
	Store     TxStore
	Directory MemberDirectory // nil: StoreDirectory over Store
	Notifier  Notifier
	Locker    Locker
	Access    AccessPolicy // nil: RoleAccess
	Observer  SweepObserver
	Clock     Clock
	Logger    *zap.Logger

	StandardDuesTypeID DuesTypeID
	CatalogTTL         time.Duration // zero: catalog cached until a local write
	Reminders          ReminderConfig
	SweepConcurrency   int
}

type Engine struct {
	store       TxStore
	directory   MemberDirectory
	access      AccessPolicy
	observer    SweepObserver
	clock       Clock
	log         *zap.Logger
	concurrency int

	Catalog     *Catalog
	Planner     *Planner
	Propagator  *Propagator
	Mirror      *Mirror
	Obligations *Obligations
	Payments    *Payments
	Reminders   *ReminderScheduler
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Directory == nil {
		opts.Directory = StoreDirectory{Members: opts.Store}
	}
	if opts.Access == nil {
		opts.Access = RoleAccess{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Notifier == nil {
		opts.Notifier = unconfiguredNotifier{}
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 4
	}
	log := opts.Logger

	catalog := NewCatalog(opts.Store, opts.StandardDuesTypeID, opts.Clock)
	catalog.TTL = opts.CatalogTTL
	propagator := NewPropagator(opts.Store, opts.Directory, opts.Locker, opts.Clock, log.Named("propagator"))
	planner := NewPlanner(opts.Store, catalog, opts.Directory, opts.Locker, propagator, opts.Clock, log.Named("planner"))

	return &Engine{
		store:       opts.Store,
		directory:   opts.Directory,
		access:      opts.Access,
		observer:    opts.Observer,
		clock:       opts.Clock,
		log:         log,
		concurrency: opts.SweepConcurrency,

		Catalog:     catalog,
		Planner:     planner,
		Propagator:  propagator,
		Mirror:      NewMirror(opts.Store, catalog, planner, opts.Locker, opts.Clock, log.Named("mirror")),
		Obligations: NewObligations(opts.Store, opts.Directory, opts.Clock, log.Named("obligations")),
		Payments:    NewPayments(opts.Store, opts.Clock, log.Named("payments")),
		Reminders:   NewReminderScheduler(opts.Store, catalog, opts.Directory, opts.Notifier, opts.Reminders, opts.Clock, log.Named("reminders")),
	}
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.clock() }

// =============================================================================
// HELPERS
// =============================================================================

// retryOnce runs fn and, if it failed with a transient error, runs it again.
func retryOnce[T any](fn func() (T, error)) (T, error) {
	v, err := fn()
	if IsRetryable(err) {
		v, err = fn()
	}
	return v, err
}

// mutate authorizes op, then runs fn with the transient retry policy.
func mutate[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	if err := authorize(ctx, e.access, op); err != nil {
		var zero T
		return zero, err
	}
	v, err := retryOnce(fn)
	if err != nil {
		e.log.Debug("operation failed",
			zap.String("operation", op),
			zap.String("kind", string(KindOf(err))),
			zap.Error(err))
	}
	return v, err
}

type none struct{}

type unconfiguredNotifier struct{}

func (unconfiguredNotifier) Notify(context.Context, MemberID, Channel, string, string) (bool, error) {
	return false, errors.New("no notifier configured")
}

// =============================================================================
// CATALOG
// =============================================================================

func (e *Engine) CreateDuesType(ctx context.Context, in DuesTypeInput) (DuesType, error) {
	return mutate(ctx, e, OpCreateDuesType, func() (DuesType, error) { return e.Catalog.Create(ctx, in) })
}

func (e *Engine) UpdateDuesType(ctx context.Context, id DuesTypeID, u DuesTypeUpdate) (DuesType, error) {
	return mutate(ctx, e, OpUpdateDuesType, func() (DuesType, error) { return e.Catalog.Update(ctx, id, u) })
}

func (e *Engine) ListDuesTypes(ctx context.Context, activeOnly bool) ([]DuesType, error) {
	return e.Catalog.List(ctx, activeOnly)
}

func (e *Engine) GetDuesType(ctx context.Context, id DuesTypeID) (DuesType, error) {
	return e.Catalog.Get(ctx, id)
}

// =============================================================================
// PLANS
// =============================================================================

func (e *Engine) CreatePlan(ctx context.Context, in PlanInput) (DuesPlan, error) {
	return mutate(ctx, e, OpCreatePlan, func() (DuesPlan, error) { return e.Planner.CreatePlan(ctx, in) })
}

func (e *Engine) UpdatePlan(ctx context.Context, id PlanID, u PlanUpdate) (DuesPlan, error) {
	return mutate(ctx, e, OpUpdatePlan, func() (DuesPlan, error) { return e.Planner.UpdatePlan(ctx, id, u) })
}

func (e *Engine) DeletePlan(ctx context.Context, id PlanID) error {
	_, err := mutate(ctx, e, OpDeletePlan, func() (none, error) { return none{}, e.Planner.DeletePlan(ctx, id) })
	return err
}

func (e *Engine) CancelPlan(ctx context.Context, id PlanID) (DuesPlan, error) {
	return mutate(ctx, e, OpCancelPlan, func() (DuesPlan, error) { return e.Planner.CancelPlan(ctx, id) })
}

func (e *Engine) GetPlan(ctx context.Context, id PlanID) (DuesPlan, error) {
	return e.Planner.GetPlan(ctx, id)
}

func (e *Engine) ListPlans(ctx context.Context, filter PlanFilter) ([]DuesPlan, error) {
	return e.Planner.ListPlans(ctx, filter)
}

func (e *Engine) MaterializePlan(ctx context.Context, id PlanID) (MaterializeResult, error) {
	return mutate(ctx, e, OpMaterializePlan, func() (MaterializeResult, error) { return e.Propagator.Materialize(ctx, id) })
}

// PlanCharges returns the charges derived from a plan.
func (e *Engine) PlanCharges(ctx context.Context, id PlanID) ([]MemberCharge, error) {
	if _, err := e.Planner.GetPlan(ctx, id); err != nil {
		return nil, err
	}
	cs, err := e.store.ListChargesByPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].MemberID < cs[j].MemberID })
	return cs, nil
}

// =============================================================================
// ASSISTANCE
// =============================================================================

// AssistanceCreated pairs a new request with its mirrored plan.
type AssistanceCreated struct {
	Request AssistanceRequest
	Plan    DuesPlan
}

func (e *Engine) CreateAssistance(ctx context.Context, in AssistanceInput) (AssistanceCreated, error) {
	return mutate(ctx, e, OpCreateAssistance, func() (AssistanceCreated, error) {
		req, plan, err := e.Mirror.OnAssistanceCreated(ctx, in)
		return AssistanceCreated{Request: req, Plan: plan}, err
	})
}

func (e *Engine) UpdateAssistance(ctx context.Context, id AssistanceID, u AssistanceUpdate) (AssistanceRequest, error) {
	return mutate(ctx, e, OpUpdateAssistance, func() (AssistanceRequest, error) { return e.Mirror.OnAssistanceUpdated(ctx, id, u) })
}

func (e *Engine) DeleteAssistance(ctx context.Context, id AssistanceID) error {
	_, err := mutate(ctx, e, OpDeleteAssistance, func() (none, error) { return none{}, e.Mirror.OnAssistanceDeleted(ctx, id) })
	return err
}

func (e *Engine) CancelAssistance(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	return mutate(ctx, e, OpCancelAssistance, func() (AssistanceRequest, error) { return e.Mirror.OnAssistanceCancelled(ctx, id) })
}

func (e *Engine) ValidateAssistance(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	return mutate(ctx, e, OpValidateAssist, func() (AssistanceRequest, error) { return e.Mirror.Validate(ctx, id) })
}

func (e *Engine) GetAssistance(ctx context.Context, id AssistanceID) (AssistanceRequest, error) {
	return e.Mirror.Get(ctx, id)
}

func (e *Engine) ListAssistance(ctx context.Context, filter AssistanceFilter) ([]AssistanceRequest, error) {
	return e.Mirror.List(ctx, filter)
}

// =============================================================================
// MEMBERS, OBLIGATIONS, PAYMENTS
// =============================================================================

func (e *Engine) SaveMember(ctx context.Context, m Member) (Member, error) {
	return mutate(ctx, e, OpSaveMember, func() (Member, error) {
		if m.ID == "" {
			return Member{}, invalid("id", "is required")
		}
		if m.Status == "" {
			m.Status = MemberActive
		}
		if m.Role == "" {
			m.Role = RoleMember
		}
		if m.JoinedAt.IsZero() {
			m.JoinedAt = e.clock()
		}
		return m, e.store.SaveMember(ctx, m)
	})
}

func (e *Engine) GetMember(ctx context.Context, id MemberID) (Member, error) {
	m, err := e.directory.GetMember(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if m == nil {
		return Member{}, notFound("member", id)
	}
	return *m, nil
}

func (e *Engine) ListMembers(ctx context.Context) ([]Member, error) {
	ms, err := e.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
	return ms, nil
}

// MemberCharges returns a member's charges, most recent period first.
func (e *Engine) MemberCharges(ctx context.Context, id MemberID) ([]MemberCharge, error) {
	if _, err := e.GetMember(ctx, id); err != nil {
		return nil, err
	}
	cs, err := e.store.ListChargesByMember(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].Period.Equal(cs[j].Period) {
			return cs[i].Period.After(cs[j].Period)
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
	return cs, nil
}

func (e *Engine) OutstandingDebt(ctx context.Context, id MemberID) (decimal.Decimal, error) {
	if _, err := e.GetMember(ctx, id); err != nil {
		return decimal.Zero, err
	}
	return e.Reminders.ComputeOutstandingDebt(ctx, id)
}

func (e *Engine) MemberReminders(ctx context.Context, id MemberID) ([]Reminder, error) {
	return e.Reminders.Reminders(ctx, id)
}

// ReminderThreshold is the debt level the reminder sweep compares against.
func (e *Engine) ReminderThreshold(ctx context.Context) (decimal.Decimal, error) {
	return e.Reminders.Threshold(ctx)
}

func (e *Engine) CreateObligation(ctx context.Context, in ObligationInput) (MembershipFeeObligation, error) {
	return mutate(ctx, e, OpCreateObligation, func() (MembershipFeeObligation, error) { return e.Obligations.Create(ctx, in) })
}

func (e *Engine) ListObligations(ctx context.Context, id MemberID) ([]MembershipFeeObligation, error) {
	return e.Obligations.ListByMember(ctx, id)
}

func (e *Engine) MarkVeteran(ctx context.Context, id MemberID) (VeteranResult, error) {
	return mutate(ctx, e, OpMarkVeteran, func() (VeteranResult, error) { return e.Obligations.MarkVeteran(ctx, id) })
}

func (e *Engine) RecordChargePayment(ctx context.Context, id ChargeID, amount decimal.Decimal) (MemberCharge, error) {
	return mutate(ctx, e, OpRecordPayment, func() (MemberCharge, error) { return e.Payments.RecordChargePayment(ctx, id, amount) })
}

func (e *Engine) RecordObligationPayment(ctx context.Context, id ObligationID, amount decimal.Decimal) (MembershipFeeObligation, error) {
	return mutate(ctx, e, OpRecordPayment, func() (MembershipFeeObligation, error) {
		return e.Payments.RecordObligationPayment(ctx, id, amount)
	})
}

// =============================================================================
// SWEEPS
// =============================================================================

// RunMaterializationSweep materializes every planned plan of the open periods.
// A plan that fails is retried once, then reported; the others proceed.
func (e *Engine) RunMaterializationSweep(ctx context.Context) (MaterializationSummary, error) {
	if err := authorize(ctx, e.access, OpMaterializeSweep); err != nil {
		return MaterializationSummary{}, err
	}
	start := time.Now()

	var plans []DuesPlan
	for _, period := range OpenPeriods(e.clock()) {
		period := period
		ps, err := e.store.ListPlans(ctx, PlanFilter{Period: &period, Statuses: []PlanStatus{PlanPlanned}})
		if err != nil {
			return MaterializationSummary{}, err
		}
		plans = append(plans, ps...)
	}

	var (
		mu  sync.Mutex
		sum MaterializationSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			res, err := retryOnce(func() (MaterializeResult, error) { return e.Propagator.Materialize(gctx, plan.ID) })

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrPlanCancelled):
				sum.PlansSkipped++
			case err != nil:
				sum.Failures = append(sum.Failures, PlanFailure{PlanID: plan.ID, Reason: err.Error()})
				e.log.Warn("plan materialization failed", zap.String("plan_id", string(plan.ID)), zap.Error(err))
			default:
				sum.PlansMaterialized++
				sum.ChargesCreated += res.ChargesCreated
				sum.ChargesUpdated += res.ChargesUpdated
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(sum.Failures, func(i, j int) bool { return sum.Failures[i].PlanID < sum.Failures[j].PlanID })
	if sum.Failures == nil {
		sum.Failures = []PlanFailure{}
	}
	e.observer.MaterializationCompleted(sum, time.Since(start))
	e.log.Info("materialization sweep completed",
		zap.Int("plans_materialized", sum.PlansMaterialized),
		zap.Int("plans_skipped", sum.PlansSkipped),
		zap.Int("charges_created", sum.ChargesCreated),
		zap.Int("failures", len(sum.Failures)))
	return sum, ctx.Err()
}

// RunReminderSweep runs one reminder sweep.
func (e *Engine) RunReminderSweep(ctx context.Context) (ReminderSummary, error) {
	if err := authorize(ctx, e.access, OpReminderSweep); err != nil {
		return ReminderSummary{}, err
	}
	start := time.Now()
	sum, err := e.Reminders.Run(ctx)
	if err != nil {
		return sum, err
	}
	e.observer.ReminderSweepCompleted(sum, time.Since(start))
	return sum, nil
}
