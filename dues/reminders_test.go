package dues_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

const day = 24 * time.Hour

func (f *fixture) reminders(id dues.MemberID) []dues.Reminder {
	f.t.Helper()
	rs, err := f.engine.MemberReminders(f.ctx, id)
	require.NoError(f.t, err)
	return rs
}

func (f *fixture) sweep() dues.ReminderSummary {
	f.t.Helper()
	sum, err := f.engine.RunReminderSweep(f.ctx)
	require.NoError(f.t, err)
	return sum
}

// =============================================================================
// THRESHOLD
// =============================================================================

func TestReminders_StrictlyAboveThreshold(t *testing.T) {
	// GIVEN: standard monthly dues 15, threshold 45
	f := newFixture(t)
	f.addObligation("m1", "44")
	f.addObligation("m2", "46")
	f.addObligation("m3", "45")

	// WHEN: the sweep runs
	sum := f.sweep()

	// THEN: only m2 is reminded
	assert.True(t, sum.Threshold.Equal(dec("45")))
	assert.Equal(t, 1, sum.RemindersSent)
	assert.Equal(t, []dues.MemberID{"m2"}, f.notifier.sentTo())
	assert.Empty(t, f.reminders("m1"))
	assert.Empty(t, f.reminders("m3"), "equal to the threshold is not above it")

	rs := f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, dues.ReminderSent, rs[0].Status)
	assert.True(t, rs[0].Amount.Equal(dec("46")))
	assert.Equal(t, 1, rs[0].Attempts)
	require.NotNil(t, rs[0].SentAt)
	assert.True(t, rs[0].SentAt.Equal(testNow))
}

func TestReminders_SummaryCounts(t *testing.T) {
	f := newFixture(t)
	f.addObligation("m2", "46")

	sum := f.sweep()

	assert.Equal(t, 5, sum.MembersScanned, "m1..m4 and admin-1, inactive m5 excluded")
	assert.Equal(t, 4, sum.MembersBelowThreshold)
	assert.Equal(t, 1, sum.RemindersSent)
	assert.NotNil(t, sum.Failures)
	assert.Empty(t, sum.Failures)
}

func TestReminders_IsReminderEligible(t *testing.T) {
	assert.False(t, dues.IsReminderEligible(dec("45"), dec("45")))
	assert.True(t, dues.IsReminderEligible(dec("45.01"), dec("45")))
	assert.False(t, dues.IsReminderEligible(dec("0"), dec("0")))
}

// =============================================================================
// COOLDOWN
// =============================================================================

func TestReminders_Cooldown(t *testing.T) {
	// GIVEN: m2 was reminded on 2025-12-05
	f := newFixture(t)
	f.addObligation("m2", "46")
	f.sweep()

	// WHEN: 10 days later the sweep runs again
	f.clock.Advance(10 * day)
	sum := f.sweep()

	// THEN: skipped
	assert.Equal(t, 0, sum.RemindersSent)
	assert.Equal(t, 1, sum.RemindersSkippedCooldown)
	assert.Len(t, f.reminders("m2"), 1)

	// WHEN: 31 days after the first reminder
	f.clock.Advance(21 * day)
	sum = f.sweep()

	// THEN: a second reminder goes out, newest first
	assert.Equal(t, 1, sum.RemindersSent)
	rs := f.reminders("m2")
	require.Len(t, rs, 2)
	assert.True(t, rs[0].At().After(rs[1].At()))
	assert.Equal(t, []dues.MemberID{"m2", "m2"}, f.notifier.sentTo())
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

func TestReminders_FailedDispatchStaysPendingAndIsRetried(t *testing.T) {
	// GIVEN: m2 and m3 above threshold, the notifier fails for m2
	f := newFixture(t)
	f.addObligation("m2", "46")
	f.addObligation("m3", "50")
	f.notifier.failFor["m2"] = errors.New("smtp down")

	// WHEN: the sweep runs
	sum := f.sweep()

	// THEN: m3 is reminded, m2's failure is recorded
	assert.Equal(t, 1, sum.RemindersSent)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, dues.MemberID("m2"), sum.Failures[0].MemberID)
	assert.Contains(t, sum.Failures[0].Reason, "smtp down")
	assert.Equal(t, []dues.MemberID{"m3"}, f.notifier.sentTo())

	rs := f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, dues.ReminderPending, rs[0].Status)
	assert.Equal(t, 1, rs[0].Attempts)
	assert.Equal(t, "smtp down", rs[0].LastError)
	pendingID := rs[0].ID

	// WHEN: the notifier recovers and the next sweep runs an hour later
	delete(f.notifier.failFor, "m2")
	f.clock.Advance(time.Hour)
	sum = f.sweep()

	// THEN: the same reminder is retried, not duplicated, m3 is in cooldown
	assert.Equal(t, 1, sum.RemindersSent)
	assert.Equal(t, 1, sum.RemindersSkippedCooldown)
	rs = f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, pendingID, rs[0].ID)
	assert.Equal(t, dues.ReminderSent, rs[0].Status)
	assert.Equal(t, 2, rs[0].Attempts)
	assert.Empty(t, rs[0].LastError)
}

func TestReminders_UndeliveredCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.addObligation("m2", "46")
	f.notifier.undelivered["m2"] = true

	sum := f.sweep()

	assert.Equal(t, 0, sum.RemindersSent)
	require.Len(t, sum.Failures, 1)
	rs := f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, dues.ReminderPending, rs[0].Status)
}

func TestReminders_PendingWithdrawnOnceDebtDrops(t *testing.T) {
	// GIVEN: m2's reminder could not be dispatched
	f := newFixture(t)
	ob := f.addObligation("m2", "46")
	f.notifier.failFor["m2"] = errors.New("smtp down")
	f.sweep()
	require.Equal(t, dues.ReminderPending, f.reminders("m2")[0].Status)

	// WHEN: m2 pays down to 36 and the next sweep runs
	_, err := f.engine.RecordObligationPayment(f.ctx, ob.ID, dec("10"))
	require.NoError(t, err)
	delete(f.notifier.failFor, "m2")
	f.clock.Advance(time.Hour)
	sum := f.sweep()

	// THEN: the stale reminder is withdrawn without being sent
	assert.Empty(t, sum.Failures)
	assert.Equal(t, 0, sum.RemindersSent)
	assert.Empty(t, f.notifier.sentTo())
	rs := f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, dues.ReminderWithdrawn, rs[0].Status)
	assert.True(t, dec("36").Equal(rs[0].Amount), "amount %s", rs[0].Amount)

	// AND: it does not start a cooldown once the debt grows again
	f.addObligation("m2", "20")
	f.clock.Advance(time.Hour)
	sum = f.sweep()
	assert.Equal(t, 1, sum.RemindersSent)
	rs = f.reminders("m2")
	require.Len(t, rs, 2)
	assert.Equal(t, dues.ReminderSent, rs[0].Status)
	assert.Equal(t, dues.ReminderWithdrawn, rs[1].Status)
}

func TestReminders_MemberTimeoutDoesNotStallSweep(t *testing.T) {
	// GIVEN: the notifier hangs for m2
	f := newFixture(t, func(o *dues.Options) { o.Reminders.MemberTimeout = 50 * time.Millisecond })
	f.addObligation("m2", "46")
	f.addObligation("m4", "46")
	f.notifier.block["m2"] = true

	// WHEN: the sweep runs
	sum := f.sweep()

	// THEN: m2 times out, m4 is reminded
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, dues.MemberID("m2"), sum.Failures[0].MemberID)
	assert.Contains(t, sum.Failures[0].Reason, "timed out")
	assert.Equal(t, []dues.MemberID{"m4"}, f.notifier.sentTo())

	rs := f.reminders("m2")
	require.Len(t, rs, 1)
	assert.Equal(t, dues.ReminderPending, rs[0].Status, "bookkeeping survives the timeout")
}

// =============================================================================
// DEBT
// =============================================================================

func TestReminders_ChargeIsNotOverdueOnItsDueDay(t *testing.T) {
	// GIVEN: December charges due 2025-12-31, clock on the due day
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.clock.Advance(26*day + time.Hour) // 2025-12-31 10:00
	f.materialize(p.ID)

	// WHEN: the sweep runs and the plan is materialized again
	sum := f.sweep()
	f.materialize(p.ID)

	// THEN: sweep and propagator agree the charge is still pending
	assert.Equal(t, 0, sum.ChargesMarkedOverdue)
	assert.Equal(t, dues.ChargePending, f.chargesByMember(p.ID)["m2"].Status)

	// WHEN: the day after, the same two steps run
	f.clock.Advance(15 * time.Hour) // 2026-01-01 01:00
	sum = f.sweep()
	f.materialize(p.ID)

	// THEN: both now say overdue
	assert.Equal(t, 4, sum.ChargesMarkedOverdue)
	assert.Equal(t, dues.ChargeOverdue, f.chargesByMember(p.ID)["m2"].Status)
}

func TestIsOverdue(t *testing.T) {
	due := dec2025.End()

	assert.False(t, dues.IsOverdue(due, due.Add(23*time.Hour+59*time.Minute)))
	assert.True(t, dues.IsOverdue(due, due.Add(24*time.Hour)))
	assert.False(t, dues.IsOverdue(time.Time{}, due.AddDate(1, 0, 0)), "no due date, never overdue")
}

func TestReminders_OutstandingDebtComposition(t *testing.T) {
	// GIVEN: m1 has a partially paid charge and obligations in every state
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)
	_, err := f.engine.RecordChargePayment(f.ctx, f.chargesByMember(p.ID)["m1"].ID, dec("5"))
	require.NoError(t, err)

	partial := f.addObligation("m1", "100")
	_, err = f.engine.RecordObligationPayment(f.ctx, partial.ID, dec("40"))
	require.NoError(t, err)
	paid := f.addObligation("m1", "20")
	_, err = f.engine.RecordObligationPayment(f.ctx, paid.ID, dec("20"))
	require.NoError(t, err)

	// WHEN: the debt is computed
	debt, err := f.engine.OutstandingDebt(f.ctx, "m1")

	// THEN: 10 (charge) + 60 (partial obligation)
	require.NoError(t, err)
	assert.True(t, debt.Equal(dec("70")), "got %s", debt)

	_, err = f.engine.OutstandingDebt(f.ctx, "ghost")
	assert.ErrorIs(t, err, dues.ErrNotFound)
}

func TestReminders_SweepMarksOverdueCharges(t *testing.T) {
	// GIVEN: December charges, one of them paid
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)
	_, err := f.engine.RecordChargePayment(f.ctx, f.chargesByMember(p.ID)["m1"].ID, dec("15"))
	require.NoError(t, err)

	// WHEN: the sweep runs after the due date
	f.clock.Advance(28 * day) // 2026-01-02
	sum := f.sweep()

	// THEN: the three unpaid charges are overdue and still count as debt
	assert.Equal(t, 3, sum.ChargesMarkedOverdue)
	charges := f.chargesByMember(p.ID)
	assert.Equal(t, dues.ChargePaid, charges["m1"].Status)
	assert.Equal(t, dues.ChargeOverdue, charges["m2"].Status)

	debt, err := f.engine.OutstandingDebt(f.ctx, "m2")
	require.NoError(t, err)
	assert.True(t, debt.Equal(dec("15")))
}

// =============================================================================
// ORDERING
// =============================================================================

func TestSortRemindersNewestFirst(t *testing.T) {
	sent := testNow.Add(-time.Hour)
	rs := []dues.Reminder{
		{ID: "a", CreatedAt: testNow.Add(-48 * time.Hour)},
		{ID: "b", CreatedAt: testNow.Add(-72 * time.Hour), SentAt: &sent},
		{ID: "c", CreatedAt: testNow.Add(-24 * time.Hour)},
	}

	dues.SortRemindersNewestFirst(rs)

	ids := []dues.ReminderID{rs[0].ID, rs[1].ID, rs[2].ID}
	assert.Equal(t, []dues.ReminderID{"b", "c", "a"}, ids, "sent time wins over creation time")
}

func TestReminders_ThresholdFollowsCatalog(t *testing.T) {
	// GIVEN: m2 owes 50, above 45
	f := newFixture(t)
	f.addObligation("m2", "50")

	// WHEN: monthly dues rise to 20, threshold 60
	_, err := f.engine.UpdateDuesType(f.ctx, f.monthly.ID, dues.DuesTypeUpdate{BaseAmount: amountPtr("20")})
	require.NoError(t, err)
	sum := f.sweep()

	// THEN: no reminder
	assert.True(t, sum.Threshold.Equal(dec("60")))
	assert.Equal(t, 0, sum.RemindersSent)
}
