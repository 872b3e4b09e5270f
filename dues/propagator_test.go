package dues_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func TestPropagator_ChargesEveryEligibleMember(t *testing.T) {
	// GIVEN: m1..m4 active members, m5 inactive, admin-1 administrator
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")

	// WHEN: the plan is materialized
	res := f.materialize(p.ID)

	// THEN: one charge per active ordinary member
	assert.Equal(t, 4, res.ChargesCreated)
	assert.Equal(t, 0, res.ChargesUpdated)
	assert.Equal(t, dues.PlanMaterialized, res.Plan.Status)

	charges := f.chargesByMember(p.ID)
	assert.Len(t, charges, 4)
	assert.NotContains(t, charges, dues.MemberID("m5"), "inactive members are skipped")
	assert.NotContains(t, charges, dues.MemberID("admin-1"), "administrators are skipped")

	c := charges["m1"]
	assert.True(t, c.AmountDue.Equal(dec("15")))
	assert.True(t, c.Remaining.Equal(dec("15")))
	assert.True(t, c.AmountPaid.IsZero())
	assert.Equal(t, dues.ChargePending, c.Status)
	assert.Equal(t, dec2025, c.Period)
	assert.Equal(t, f.monthly.ID, c.DuesTypeID)
	assert.Equal(t, p.DueDate, c.DueDate)
}

func TestPropagator_SkipsBeneficiary(t *testing.T) {
	f := newFixture(t)
	p, err := f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: dec2025, DuesTypeID: f.death.ID, BeneficiaryID: memberPtr("m1")})
	require.NoError(t, err)

	res := f.materialize(p.ID)

	assert.Equal(t, 3, res.ChargesCreated)
	charges := f.chargesByMember(p.ID)
	assert.NotContains(t, charges, dues.MemberID("m1"))
	for _, id := range []dues.MemberID{"m2", "m3", "m4"} {
		assert.True(t, charges[id].AmountDue.Equal(dec("50")), "member %s", id)
	}
}

func TestPropagator_IdempotentAndKeepsPayments(t *testing.T) {
	// GIVEN: a materialized plan where m2 paid 5
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)
	before := f.chargesByMember(p.ID)
	_, err := f.engine.RecordChargePayment(f.ctx, before["m2"].ID, dec("5"))
	require.NoError(t, err)

	// WHEN: materialization runs again
	res := f.materialize(p.ID)

	// THEN: nothing new, same ids, payment untouched
	assert.Equal(t, 0, res.ChargesCreated)
	assert.Equal(t, 4, res.ChargesUpdated)
	after := f.chargesByMember(p.ID)
	require.Len(t, after, 4)
	for id, c := range before {
		assert.Equal(t, c.ID, after[id].ID, "member %s", id)
	}
	assert.True(t, after["m2"].AmountPaid.Equal(dec("5")))
	assert.True(t, after["m2"].Remaining.Equal(dec("10")))
	assert.Equal(t, dues.ChargePartiallyPaid, after["m2"].Status)
}

func TestPropagator_PicksUpNewMembers(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)

	f.addMember("m6", dues.MemberActive, dues.RoleMember)
	res := f.materialize(p.ID)

	assert.Equal(t, 1, res.ChargesCreated)
	assert.Contains(t, f.chargesByMember(p.ID), dues.MemberID("m6"))
}

func TestPropagator_AmountChangeRebasesOnPaid(t *testing.T) {
	// GIVEN: a death plan at 50, m2 paid 20
	f := newFixture(t)
	p, err := f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: dec2025, DuesTypeID: f.death.ID, BeneficiaryID: memberPtr("m1")})
	require.NoError(t, err)
	f.materialize(p.ID)
	_, err = f.engine.RecordChargePayment(f.ctx, f.chargesByMember(p.ID)["m2"].ID, dec("20"))
	require.NoError(t, err)

	// WHEN: the plan amount becomes 75
	_, err = f.engine.UpdatePlan(f.ctx, p.ID, dues.PlanUpdate{Amount: amountPtr("75")})
	require.NoError(t, err)

	// THEN: due 75, paid 20, remaining 55
	charges := f.chargesByMember(p.ID)
	m2 := charges["m2"]
	assert.True(t, m2.AmountDue.Equal(dec("75")))
	assert.True(t, m2.AmountPaid.Equal(dec("20")))
	assert.True(t, m2.Remaining.Equal(dec("55")), "got %s", m2.Remaining)
	assert.Equal(t, dues.ChargePartiallyPaid, m2.Status)

	// AND: unpaid members just owe the new amount
	assert.True(t, charges["m3"].Remaining.Equal(dec("75")))
}

func TestPropagator_AmountDropBelowPaidSettlesCharge(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)
	_, err := f.engine.RecordChargePayment(f.ctx, f.chargesByMember(p.ID)["m1"].ID, dec("12"))
	require.NoError(t, err)

	n, err := f.engine.Propagator.ApplyAmountChange(f.ctx, p.ID, dec("15"), dec("10"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	m1 := f.chargesByMember(p.ID)["m1"]
	assert.True(t, m1.AmountPaid.Equal(dec("12")), "payments are never rewritten")
	assert.True(t, m1.Remaining.IsZero())
	assert.Equal(t, dues.ChargePaid, m1.Status)

	got, err := f.engine.GetPlan(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(dec("10")))
}

func TestPropagator_ApplyAmountChangeNoop(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)

	n, err := f.engine.Propagator.ApplyAmountChange(f.ctx, p.ID, dec("15"), dec("15"))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.Propagator.ApplyAmountChange(f.ctx, p.ID, dec("15"), dec("-1"))
	assert.ErrorIs(t, err, dues.ErrValidation)
}

func TestPropagator_DescriptionAndDueDateFollowPlan(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	f.materialize(p.ID)

	desc := "December, late"
	due := dec2025.Start().AddDate(0, 0, 19)
	_, err := f.engine.UpdatePlan(f.ctx, p.ID, dues.PlanUpdate{Description: &desc, DueDate: &due})
	require.NoError(t, err)

	for id, c := range f.chargesByMember(p.ID) {
		assert.Equal(t, desc, c.Description, "member %s", id)
		assert.True(t, c.DueDate.Equal(due), "member %s", id)
	}
}

func TestPropagator_CancelledPlanIsRejected(t *testing.T) {
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "15")
	_, err := f.engine.CancelPlan(f.ctx, p.ID)
	require.NoError(t, err)

	_, err = f.engine.MaterializePlan(f.ctx, p.ID)

	assert.ErrorIs(t, err, dues.ErrPlanCancelled)
	assert.Empty(t, f.chargesByMember(p.ID))
}

func TestPropagator_MissingPlan(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.MaterializePlan(f.ctx, "nope")
	assert.ErrorIs(t, err, dues.ErrNotFound)
}

func TestPropagator_ConcurrentMaterializeKeepsOneChargePerMember(t *testing.T) {
	// GIVEN: two engines sharing one store, each with its own in-process lock
	f := newFixture(t)
	other := dues.New(dues.Options{Store: f.store, Clock: f.clock.Now})
	p := f.createFlatPlan(dec2025, "15")

	// WHEN: both materialize the plan many times at once
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		e := f.engine
		if i%2 == 1 {
			e = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.MaterializePlan(f.ctx, p.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: exactly one charge per eligible member
	cs, err := f.engine.PlanCharges(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, cs, 4)
	seen := make(map[dues.MemberID]bool, len(cs))
	for _, c := range cs {
		assert.False(t, seen[c.MemberID], "duplicate charge for %s", c.MemberID)
		seen[c.MemberID] = true
	}
}

func TestPropagator_PaymentsAndRebaseDoNotLoseUpdates(t *testing.T) {
	// GIVEN: a materialized plan at 50
	f := newFixture(t)
	p := f.createFlatPlan(dec2025, "50")
	f.materialize(p.ID)
	chargeID := f.chargesByMember(p.ID)["m2"].ID

	// WHEN: ten payments of 2 race with a price change to 75
	var wg sync.WaitGroup
	errs := make(chan error, 11)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordChargePayment(f.ctx, chargeID, dec("2"))
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.engine.UpdatePlan(f.ctx, p.ID, dues.PlanUpdate{Amount: amountPtr("75")})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: every payment is kept and remaining follows the new price
	c := f.chargesByMember(p.ID)["m2"]
	assert.True(t, dec("75").Equal(c.AmountDue), "due %s", c.AmountDue)
	assert.True(t, dec("20").Equal(c.AmountPaid), "paid %s", c.AmountPaid)
	assert.True(t, dec("55").Equal(c.Remaining), "remaining %s", c.Remaining)
	assert.Equal(t, dues.ChargePartiallyPaid, c.Status)
}
