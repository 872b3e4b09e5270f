package sqldb

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

// engineOnSQLite runs the engine over a fresh SQLite store with members
// m1..m4 and a monthly plan of amount for 2025-12.
func engineOnSQLite(t *testing.T, amount string) (*Store, context.Context, dues.PlanID) {
	t.Helper()
	s := newTestStore(t)
	actx := dues.WithActor(ctx, dues.Actor{ID: "admin-1", Role: dues.RoleAdmin})
	for _, id := range []dues.MemberID{"m1", "m2", "m3", "m4"} {
		require.NoError(t, s.SaveMember(ctx, dues.Member{
			ID: id, Name: string(id), Status: dues.MemberActive, Role: dues.RoleMember, JoinedAt: now,
		}))
	}

	e := newSQLiteEngine(s)
	dt, err := e.CreateDuesType(actx, dues.DuesTypeInput{Code: "monthly", Name: "Monthly", BaseAmount: dec("15"), Mandatory: true})
	require.NoError(t, err)
	a := dec(amount)
	p, err := e.CreatePlan(actx, dues.PlanInput{Period: dues.NewPeriod(2025, 12), DuesTypeID: dt.ID, Amount: &a})
	require.NoError(t, err)
	return s, actx, p.ID
}

func newSQLiteEngine(s *Store) *dues.Engine {
	return dues.New(dues.Options{Store: s, Clock: dues.NewFixedClock(now).Now})
}

func TestEngine_ConcurrentMaterializeOnSQLite(t *testing.T) {
	// GIVEN: two engines on one database, each with its own in-process lock
	s, actx, planID := engineOnSQLite(t, "15")
	engines := []*dues.Engine{newSQLiteEngine(s), newSQLiteEngine(s)}

	// WHEN: they materialize the same plan concurrently
	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		e := engines[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.MaterializePlan(actx, planID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: one charge per member, plan materialized
	charges, err := s.ListChargesByPlan(ctx, planID)
	require.NoError(t, err)
	assert.Len(t, charges, 4)
	members := make(map[dues.MemberID]bool)
	for _, c := range charges {
		members[c.MemberID] = true
	}
	assert.Len(t, members, 4)

	plan, err := s.GetPlan(ctx, planID)
	require.NoError(t, err)
	assert.Equal(t, dues.PlanMaterialized, plan.Status)
}

func TestEngine_PaymentsAndRebaseOnSQLite(t *testing.T) {
	// GIVEN: a materialized plan at 50
	s, actx, planID := engineOnSQLite(t, "50")
	e := newSQLiteEngine(s)
	_, err := e.MaterializePlan(actx, planID)
	require.NoError(t, err)
	charges, err := s.ListChargesByPlan(ctx, planID)
	require.NoError(t, err)
	var chargeID dues.ChargeID
	for _, c := range charges {
		if c.MemberID == "m2" {
			chargeID = c.ID
		}
	}
	require.NotEmpty(t, chargeID)

	// WHEN: ten payments of 2 race with a price change to 75
	var wg sync.WaitGroup
	errs := make(chan error, 11)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RecordChargePayment(actx, chargeID, dec("2"))
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		amount := dec("75")
		_, err := e.UpdatePlan(actx, planID, dues.PlanUpdate{Amount: &amount})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// THEN: no payment is lost and remaining follows the new price
	c, err := s.GetCharge(ctx, chargeID)
	require.NoError(t, err)
	assert.True(t, dec("75").Equal(c.AmountDue), "due %s", c.AmountDue)
	assert.True(t, dec("20").Equal(c.AmountPaid), "paid %s", c.AmountPaid)
	assert.True(t, dec("55").Equal(c.Remaining), "remaining %s", c.Remaining)
}
