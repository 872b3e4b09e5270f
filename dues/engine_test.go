package dues_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
)

// flakyStore fails WithTx with a concurrent-modification error. failures < 0
// fails every call.
type flakyStore struct {
	*store.TxMemory
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(dues.Store) error) error {
	s.mu.Lock()
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return dues.ErrConcurrentModification
	}
	s.mu.Unlock()
	return s.TxMemory.WithTx(ctx, fn)
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyStore) {
	var flaky *flakyStore
	f := newFixture(t, func(o *dues.Options) {
		flaky = &flakyStore{TxMemory: o.Store.(*store.TxMemory)}
		o.Store = flaky
	})
	return f, flaky
}

type recordingObserver struct {
	mu              sync.Mutex
	materialization []dues.MaterializationSummary
	reminders       []dues.ReminderSummary
}

func (o *recordingObserver) MaterializationCompleted(s dues.MaterializationSummary, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.materialization = append(o.materialization, s)
}

func (o *recordingObserver) ReminderSweepCompleted(s dues.ReminderSummary, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reminders = append(o.reminders, s)
}

// =============================================================================
// MATERIALIZATION SWEEP
// =============================================================================

func TestEngine_MaterializationSweepCoversOpenPeriods(t *testing.T) {
	// GIVEN: planned plans for November (closed), December, January and February
	f := newFixture(t)
	nov := f.createFlatPlan(dec2025.Prev(), "15")
	decPlan := f.createFlatPlan(dec2025, "15")
	jan := f.createFlatPlan(dec2025.Next(), "15")
	feb := f.createFlatPlan(dec2025.AddMonths(2), "15")

	// WHEN: the sweep runs on 2025-12-05
	sum, err := f.engine.RunMaterializationSweep(f.ctx)
	require.NoError(t, err)

	// THEN: only December and January are materialized
	assert.Equal(t, 2, sum.PlansMaterialized)
	assert.Equal(t, 8, sum.ChargesCreated)
	assert.Empty(t, sum.Failures)

	for id, want := range map[dues.PlanID]dues.PlanStatus{
		nov.ID:     dues.PlanPlanned,
		decPlan.ID: dues.PlanMaterialized,
		jan.ID:     dues.PlanMaterialized,
		feb.ID:     dues.PlanPlanned,
	} {
		got, err := f.engine.GetPlan(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "plan %s", got.Period)
	}
}

func TestEngine_MaterializationSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")

	first, err := f.engine.RunMaterializationSweep(f.ctx)
	require.NoError(t, err)
	before := f.chargesByMember(p.ID)

	second, err := f.engine.RunMaterializationSweep(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.PlansMaterialized)
	assert.Equal(t, 0, second.PlansMaterialized)
	assert.Equal(t, 0, second.ChargesCreated)
	assert.Equal(t, before, f.chargesByMember(p.ID))
}

func TestEngine_SweepRetriesTransientFailureOnce(t *testing.T) {
	// GIVEN: the store loses one transaction race
	f, flaky := newFlakyFixture(t)
	f.createFlatPlan(dec2025, "15")
	flaky.failNext(1)

	// WHEN: the sweep runs
	sum, err := f.engine.RunMaterializationSweep(f.ctx)

	// THEN: the retry succeeds
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PlansMaterialized)
	assert.Empty(t, sum.Failures)
}

func TestEngine_SweepIsolatesPersistentFailures(t *testing.T) {
	f, flaky := newFlakyFixture(t)
	a := f.createFlatPlan(dec2025, "15")
	b := f.createFlatPlan(dec2025.Next(), "15")
	flaky.failNext(-1)

	sum, err := f.engine.RunMaterializationSweep(f.ctx)

	require.NoError(t, err, "per-plan failures do not fail the sweep")
	assert.Equal(t, 0, sum.PlansMaterialized)
	require.Len(t, sum.Failures, 2)
	ids := map[dues.PlanID]bool{sum.Failures[0].PlanID: true, sum.Failures[1].PlanID: true}
	assert.True(t, ids[a.ID] && ids[b.ID])
	assert.Contains(t, sum.Failures[0].Reason, "concurrent modification")
}

func TestEngine_SweepsRequireAuthorization(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RunMaterializationSweep(context.Background())
	assert.ErrorIs(t, err, dues.ErrUnauthorized)
	_, err = f.engine.RunReminderSweep(dues.WithActor(context.Background(), dues.Actor{ID: "m1", Role: dues.RoleMember}))
	assert.ErrorIs(t, err, dues.ErrUnauthorized)

	system := dues.WithActor(context.Background(), dues.SystemActor)
	_, err = f.engine.RunMaterializationSweep(system)
	assert.NoError(t, err)
}

func TestEngine_ObserverSeesEverySweep(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, func(o *dues.Options) { o.Observer = obs })
	f.createFlatPlan(dec2025, "15")

	_, err := f.engine.RunMaterializationSweep(f.ctx)
	require.NoError(t, err)
	_, err = f.engine.RunReminderSweep(f.ctx)
	require.NoError(t, err)

	require.Len(t, obs.materialization, 1)
	assert.Equal(t, 4, obs.materialization[0].ChargesCreated)
	require.Len(t, obs.reminders, 1)
	assert.Equal(t, 5, obs.reminders[0].MembersScanned)
}

// =============================================================================
// TRANSIENT RETRY
// =============================================================================

func TestEngine_MutationRetriesOnce(t *testing.T) {
	f, flaky := newFlakyFixture(t)

	flaky.failNext(1)
	_, err := f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: dec2025, DuesTypeID: f.monthly.ID})
	require.NoError(t, err)

	flaky.failNext(2)
	_, err = f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: dec2025.Next(), DuesTypeID: f.monthly.ID})
	assert.Equal(t, dues.KindTransient, dues.KindOf(err))
	assert.True(t, dues.IsRetryable(err))
}

// =============================================================================
// RESULT ENVELOPE
// =============================================================================

func TestResult_Envelope(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")

	_, err := f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: dec2025, DuesTypeID: f.monthly.ID})
	failed := dues.NewResult(dues.DuesPlan{}, err)
	assert.False(t, failed.Success)
	assert.Equal(t, dues.KindConflict, failed.ErrorKind)

	raw, err := json.Marshal(failed)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "conflict", body["errorKind"])
	assert.NotContains(t, body, "data")

	ok := dues.NewResult(p.ID, nil)
	raw, err = json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":"`+string(p.ID)+`"}`, string(raw))
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestEngine_SaveMemberDefaults(t *testing.T) {
	f := newFixture(t)

	m, err := f.engine.SaveMember(f.ctx, dues.Member{ID: "m9", Name: "New"})
	require.NoError(t, err)
	assert.Equal(t, dues.MemberActive, m.Status)
	assert.Equal(t, dues.RoleMember, m.Role)
	assert.Equal(t, testNow, m.JoinedAt)

	_, err = f.engine.SaveMember(f.ctx, dues.Member{Name: "No id"})
	assert.ErrorIs(t, err, dues.ErrValidation)
}

func TestEngine_MemberChargesNewestPeriodFirst(t *testing.T) {
	f := newFixture(t)
	f.materialize(f.createFlatPlan(dec2025, "15").ID)
	f.materialize(f.createFlatPlan(dec2025.Next(), "16").ID)

	cs, err := f.engine.MemberCharges(f.ctx, "m1")
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, dec2025.Next(), cs[0].Period)
	assert.Equal(t, dec2025, cs[1].Period)
}
