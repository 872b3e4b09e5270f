package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/factory"
)

const yamlSeed = `
dues_types:
  - code: monthly
    name: Monthly dues
    base_amount: "15.50"
    mandatory: true
    display_order: 1
  - code: death
    name: Death
    base_amount: "50"
    has_beneficiary: true
    display_order: 2
  - code: legacy
    name: Legacy fee
    base_amount: "5"
    inactive: true
`

const jsonSeed = `{"dues_types":[{"code":"monthly","name":"Monthly dues","base_amount":"15.50","mandatory":true}]}`

func TestParseYAML(t *testing.T) {
	seed, err := factory.ParseYAML([]byte(yamlSeed))
	require.NoError(t, err)
	require.Len(t, seed.DuesTypes, 3)

	inputs, err := seed.Inputs()
	require.NoError(t, err)
	assert.True(t, inputs[0].BaseAmount.Equal(dues.MustAmount("15.50")))
	assert.True(t, inputs[0].Mandatory)
	assert.True(t, inputs[1].HasBeneficiary)
	require.NotNil(t, inputs[2].Active)
	assert.False(t, *inputs[2].Active)
}

func TestParseJSON(t *testing.T) {
	seed, err := factory.ParseJSON([]byte(jsonSeed))
	require.NoError(t, err)
	require.Len(t, seed.DuesTypes, 1)
	assert.Equal(t, "monthly", seed.DuesTypes[0].Code)
}

func TestParse_RejectsBadSeeds(t *testing.T) {
	_, err := factory.ParseJSON([]byte(`{"dues_types":[{"name":"A","base_amount":"ten"}]}`))
	assert.ErrorContains(t, err, "not a decimal")

	_, err = factory.ParseYAML([]byte("dues_types:\n  - code: a\n    name: A\n    base_amount: \"1\"\n  - code: A\n    name: B\n    base_amount: \"2\"\n"))
	assert.ErrorContains(t, err, "duplicate code")

	_, err = factory.ParseJSON([]byte(`{"dues_types":[{"code":"x","base_amount":"1"}]}`))
	assert.ErrorContains(t, err, "name is required")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "catalog.yml")
	require.NoError(t, os.WriteFile(yml, []byte(yamlSeed), 0o600))
	txt := filepath.Join(dir, "catalog.txt")
	require.NoError(t, os.WriteFile(txt, []byte(yamlSeed), 0o600))

	seed, err := factory.LoadFile(yml)
	require.NoError(t, err)
	assert.Len(t, seed.DuesTypes, 3)

	_, err = factory.LoadFile(txt)
	assert.Error(t, err)
}

func TestSeed_IsIdempotent(t *testing.T) {
	// GIVEN: an engine with an empty catalog
	engine := dues.New(dues.Options{Store: store.NewTxMemory()})
	ctx := dues.WithActor(context.Background(), dues.SystemActor)

	// WHEN: the default catalog is seeded twice
	first, err := factory.Seed(ctx, engine, factory.DefaultCatalog())
	require.NoError(t, err)
	second, err := factory.Seed(ctx, engine, factory.DefaultCatalog())
	require.NoError(t, err)

	// THEN: created once, skipped the second time
	assert.Len(t, first.Created, 4)
	assert.Empty(t, first.Skipped)
	assert.Empty(t, second.Created)
	assert.Equal(t, []string{"monthly", "death", "birth", "marriage"}, second.Skipped)

	types, err := engine.ListDuesTypes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, types, 4)

	standard, err := engine.Catalog.StandardMonthlyAmount(ctx)
	require.NoError(t, err)
	assert.True(t, standard.Equal(dues.MustAmount("15")))
}
