package dues_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	dec   = dues.MustAmount
	admin = dues.Actor{ID: "admin-1", Role: dues.RoleAdmin}

	// 2025-12-05: open periods are 2025-12 and 2026-01.
	testNow = time.Date(2025, time.December, 5, 9, 0, 0, 0, time.UTC)
	dec2025 = dues.NewPeriod(2025, time.December)
)

type notification struct {
	MemberID dues.MemberID
	Channel  dues.Channel
	Subject  string
	Body     string
}

// fakeNotifier records dispatches. Members can be set to fail, to be
// silently undelivered, or to block until their context ends.
type fakeNotifier struct {
	mu          sync.Mutex
	sent        []notification
	failFor     map[dues.MemberID]error
	undelivered map[dues.MemberID]bool
	block       map[dues.MemberID]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		failFor:     make(map[dues.MemberID]error),
		undelivered: make(map[dues.MemberID]bool),
		block:       make(map[dues.MemberID]bool),
	}
}

func (n *fakeNotifier) Notify(ctx context.Context, memberID dues.MemberID, channel dues.Channel, subject, body string) (bool, error) {
	n.mu.Lock()
	block, err, undelivered := n.block[memberID], n.failFor[memberID], n.undelivered[memberID]
	n.mu.Unlock()

	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	if undelivered {
		return false, nil
	}
	n.mu.Lock()
	n.sent = append(n.sent, notification{MemberID: memberID, Channel: channel, Subject: subject, Body: body})
	n.mu.Unlock()
	return true, nil
}

func (n *fakeNotifier) sentTo() []dues.MemberID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]dues.MemberID, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.MemberID)
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *dues.FixedClock
	store    *store.TxMemory
	notifier *fakeNotifier
	engine   *dues.Engine

	monthly dues.DuesType
	death   dues.DuesType
	birth   dues.DuesType
}

type fixtureOption func(*dues.Options)

// newFixture builds an engine on the memory store with:
//
//	members m1..m4 active, m5 inactive, admin-1 administrator
//	catalog: monthly (15, mandatory flat), death and birth (beneficiary)
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      dues.WithActor(context.Background(), admin),
		clock:    dues.NewFixedClock(testNow),
		store:    store.NewTxMemory(),
		notifier: newFakeNotifier(),
	}
	o := dues.Options{
		Store:    f.store,
		Notifier: f.notifier,
		Clock:    f.clock.Now,
		Reminders: dues.ReminderConfig{
			MemberTimeout: time.Second,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	f.engine = dues.New(o)

	for _, id := range []dues.MemberID{"m1", "m2", "m3", "m4"} {
		f.addMember(id, dues.MemberActive, dues.RoleMember)
	}
	f.addMember("m5", dues.MemberInactive, dues.RoleMember)
	f.addMember("admin-1", dues.MemberActive, dues.RoleAdmin)

	f.monthly = f.createType(dues.DuesTypeInput{
		Code: "monthly", Name: "Monthly dues", BaseAmount: dec("15"), Mandatory: true, DisplayOrder: 1,
	})
	f.death = f.createType(dues.DuesTypeInput{
		Code: "death", Name: "Death", BaseAmount: dec("50"), HasBeneficiary: true, DisplayOrder: 2,
	})
	f.birth = f.createType(dues.DuesTypeInput{
		Code: "birth", Name: "Birth", BaseAmount: dec("20"), HasBeneficiary: true, DisplayOrder: 3,
	})
	return f
}

func (f *fixture) addMember(id dues.MemberID, status dues.MemberStatus, role dues.Role) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveMember(context.Background(), dues.Member{
		ID: id, Name: string(id), Email: string(id) + "@example.org",
		Status: status, Role: role, JoinedAt: testNow.AddDate(-1, 0, 0),
	}))
}

func (f *fixture) createType(in dues.DuesTypeInput) dues.DuesType {
	f.t.Helper()
	dt, err := f.engine.CreateDuesType(f.ctx, in)
	require.NoError(f.t, err)
	return dt
}

func (f *fixture) createFlatPlan(period dues.Period, amount string) dues.DuesPlan {
	f.t.Helper()
	a := dec(amount)
	p, err := f.engine.CreatePlan(f.ctx, dues.PlanInput{Period: period, DuesTypeID: f.monthly.ID, Amount: &a})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) materialize(id dues.PlanID) dues.MaterializeResult {
	f.t.Helper()
	res, err := f.engine.MaterializePlan(f.ctx, id)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) chargesByMember(planID dues.PlanID) map[dues.MemberID]dues.MemberCharge {
	f.t.Helper()
	cs, err := f.engine.PlanCharges(f.ctx, planID)
	require.NoError(f.t, err)
	out := make(map[dues.MemberID]dues.MemberCharge, len(cs))
	for _, c := range cs {
		out[c.MemberID] = c
	}
	return out
}

// addObligation gives a member a debt of exactly amount.
func (f *fixture) addObligation(member dues.MemberID, amount string) dues.MembershipFeeObligation {
	f.t.Helper()
	ob, err := f.engine.CreateObligation(f.ctx, dues.ObligationInput{
		MemberID: member, Amount: dec(amount), DueDate: testNow.AddDate(0, 1, 0), PeriodLabel: "2025",
	})
	require.NoError(f.t, err)
	return ob
}

func amountPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func memberPtr(id dues.MemberID) *dues.MemberID { return &id }
