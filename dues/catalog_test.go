package dues_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
)

func TestCatalog_CreateValidates(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateDuesType(f.ctx, dues.DuesTypeInput{Name: "  ", BaseAmount: dec("1")})
	assert.Equal(t, dues.KindValidation, dues.KindOf(err))

	_, err = f.engine.CreateDuesType(f.ctx, dues.DuesTypeInput{Name: "Bad", BaseAmount: dec("-1")})
	assert.Equal(t, dues.KindValidation, dues.KindOf(err))

	_, err = f.engine.CreateDuesType(f.ctx, dues.DuesTypeInput{Code: "MONTHLY", Name: "Again", BaseAmount: dec("1")})
	assert.Equal(t, dues.KindConflict, dues.KindOf(err), "codes are case-insensitive")
}

func TestCatalog_CodeDefaultsToSlug(t *testing.T) {
	f := newFixture(t)
	dt := f.createType(dues.DuesTypeInput{Name: "Marriage Gift", BaseAmount: dec("30"), HasBeneficiary: true})
	assert.Equal(t, "marriage_gift", dt.Code)
	assert.True(t, dt.Active)
}

func TestCatalog_ListOrdersByDisplayOrder(t *testing.T) {
	f := newFixture(t)
	f.createType(dues.DuesTypeInput{Code: "first", Name: "First", BaseAmount: dec("1"), DisplayOrder: 0})
	inactive := false
	f.createType(dues.DuesTypeInput{Code: "old", Name: "Old", BaseAmount: dec("1"), DisplayOrder: 9, Active: &inactive})

	all, err := f.engine.ListDuesTypes(f.ctx, false)
	require.NoError(t, err)
	codes := make([]string, 0, len(all))
	for _, dt := range all {
		codes = append(codes, dt.Code)
	}
	assert.Equal(t, []string{"first", "monthly", "death", "birth", "old"}, codes)

	active, err := f.engine.ListDuesTypes(f.ctx, true)
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestCatalog_HasBeneficiaryFrozenOncePlansExist(t *testing.T) {
	// GIVEN: a plan referencing the monthly type
	f := newFixture(t)
	f.createFlatPlan(dec2025, "15")

	// WHEN: the type is switched to beneficiary mode
	yes := true
	_, err := f.engine.UpdateDuesType(f.ctx, f.monthly.ID, dues.DuesTypeUpdate{HasBeneficiary: &yes})

	// THEN: rejected
	assert.Equal(t, dues.KindConflict, dues.KindOf(err))

	// AND: name and description edits are still allowed
	name := "Monthly membership dues"
	updated, err := f.engine.UpdateDuesType(f.ctx, f.monthly.ID, dues.DuesTypeUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.False(t, updated.HasBeneficiary)
}

func TestCatalog_HasBeneficiaryEditableWithoutPlans(t *testing.T) {
	f := newFixture(t)
	no := false
	updated, err := f.engine.UpdateDuesType(f.ctx, f.birth.ID, dues.DuesTypeUpdate{HasBeneficiary: &no})
	require.NoError(t, err)
	assert.False(t, updated.HasBeneficiary)
}

func TestCatalog_StandardMonthlyAmount(t *testing.T) {
	// GIVEN: no configured standard type, monthly (15) is the first mandatory flat type
	f := newFixture(t)
	amount, err := f.engine.Catalog.StandardMonthlyAmount(f.ctx)
	require.NoError(t, err)
	assert.True(t, amount.Equal(dec("15")))

	// WHEN: the catalog amount changes
	_, err = f.engine.UpdateDuesType(f.ctx, f.monthly.ID, dues.DuesTypeUpdate{BaseAmount: amountPtr("20")})
	require.NoError(t, err)

	// THEN: the threshold follows the catalog
	threshold, err := f.engine.ReminderThreshold(f.ctx)
	require.NoError(t, err)
	assert.True(t, threshold.Equal(dec("60")), "got %s", threshold)
}

func TestCatalog_ConfiguredStandardTypeWins(t *testing.T) {
	f := newFixture(t)
	special := f.createType(dues.DuesTypeInput{Code: "special", Name: "Special", BaseAmount: dec("12")})

	catalog := dues.NewCatalog(f.store, special.ID, f.clock.Now)
	amount, err := catalog.StandardMonthlyAmount(f.ctx)
	require.NoError(t, err)
	assert.True(t, amount.Equal(dec("12")))
}

func TestCatalog_InvalidateReloadsExternalWrites(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Catalog.List(f.ctx, true)
	require.NoError(t, err)

	// A write that bypasses the catalog is invisible until Invalidate.
	dt := f.monthly
	dt.BaseAmount = dec("18")
	require.NoError(t, f.store.SaveDuesType(f.ctx, dt))

	got, err := f.engine.Catalog.Get(f.ctx, f.monthly.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("15")))

	f.engine.Catalog.Invalidate()
	got, err = f.engine.Catalog.Get(f.ctx, f.monthly.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("18")))
}

func TestCatalog_TTLPicksUpWritesFromAnotherNode(t *testing.T) {
	// GIVEN: a one-minute cache, loaded
	f := newFixture(t, func(o *dues.Options) { o.CatalogTTL = time.Minute })
	_, err := f.engine.Catalog.List(f.ctx, true)
	require.NoError(t, err)

	// WHEN: another process raises the monthly amount
	dt := f.monthly
	dt.BaseAmount = dec("18")
	require.NoError(t, f.store.SaveDuesType(f.ctx, dt))

	// THEN: served from cache until the TTL runs out
	got, err := f.engine.Catalog.Get(f.ctx, f.monthly.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("15")))

	f.clock.Advance(time.Minute)
	got, err = f.engine.Catalog.Get(f.ctx, f.monthly.ID)
	require.NoError(t, err)
	assert.True(t, got.BaseAmount.Equal(dec("18")))
}

func TestCatalog_ReminderSweepReadsCurrentStandardAmount(t *testing.T) {
	// GIVEN: a cached catalog with monthly dues at 15
	f := newFixture(t)
	_, err := f.engine.Catalog.List(f.ctx, true)
	require.NoError(t, err)

	// WHEN: the amount changes behind the cache and the sweep runs
	dt := f.monthly
	dt.BaseAmount = dec("20")
	require.NoError(t, f.store.SaveDuesType(f.ctx, dt))
	sum, err := f.engine.RunReminderSweep(f.ctx)

	// THEN: the sweep used 3 x 20
	require.NoError(t, err)
	assert.True(t, sum.Threshold.Equal(dec("60")), "got %s", sum.Threshold)
}

func TestCatalog_RequiresAdministrator(t *testing.T) {
	f := newFixture(t)
	member := dues.WithActor(f.ctx, dues.Actor{ID: "m1", Role: dues.RoleMember})

	_, err := f.engine.CreateDuesType(member, dues.DuesTypeInput{Name: "X", BaseAmount: dec("1")})
	assert.ErrorIs(t, err, dues.ErrUnauthorized)
}
