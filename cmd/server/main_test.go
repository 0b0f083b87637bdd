package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/asset-ledger/api"
	"github.com/warp/asset-ledger/ledger"
	"github.com/warp/asset-ledger/ledger/store"
)

func newMemoryService(t *testing.T) *ledger.Service {
	t.Helper()
	mem := store.NewMemory()
	svc, err := ledger.NewService(context.Background(), ledger.ServiceConfig{
		Store:      mem,
		References: mem,
		Clock:      ledger.FixedClock(time.Date(2025, time.June, 30, 9, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return svc
}

func TestLoadScenario_Demo(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: The demo scenario is loaded
	// THEN: Stock reflects every movement and the log verifies clean

	ctx := context.Background()
	svc := newMemoryService(t)
	today := ledger.NewDate(2025, time.June, 30)

	require.NoError(t, loadScenario(ctx, svc, scenarioDemo, today))

	level := func(base ledger.BaseID, eq ledger.EquipmentTypeID) ledger.StockLevel {
		lvl, err := svc.AvailableStock(ctx, ledger.System, base, eq)
		require.NoError(t, err)
		return lvl
	}
	assert.Equal(t, int64(68), level("fort-alpha", "m4-carbine").Balance)
	assert.Equal(t, int64(40), level("camp-bravo", "m4-carbine").Balance)
	assert.Equal(t, int64(6), level("camp-bravo", "hmmwv").Balance)

	ammo := level("fort-alpha", "ammo-556")
	assert.Equal(t, int64(440), ammo.Balance)
	assert.Equal(t, int64(100), ammo.Reserved)
	assert.Equal(t, int64(340), ammo.Available)

	pending, err := svc.ListTransfers(ctx, ledger.System, ledger.ListFilter{Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	report, err := svc.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "%+v", report.Violations)

	err = loadScenario(ctx, svc, scenarioDemo, today)
	assert.ErrorIs(t, err, errLedgerNotEmpty)
}

func TestLoadScenario_ReferenceIsRepeatable(t *testing.T) {
	ctx := context.Background()
	svc := newMemoryService(t)

	require.NoError(t, loadScenario(ctx, svc, scenarioReference, ledger.Date{}))
	require.NoError(t, loadScenario(ctx, svc, scenarioReference, ledger.Date{}))

	bases, err := svc.ListBases(ctx, ledger.System)
	require.NoError(t, err)
	assert.Len(t, bases, len(seedBases))
	assert.Equal(t, ledger.Seq(0), svc.Head())

	assert.Error(t, loadScenario(ctx, svc, "battle-royale", ledger.Date{}))
}

func TestTokenCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_AUTH_JWT_SECRET", "cli-secret")
	t.Setenv("LEDGER_AUTH_ISSUER", "ledger")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--sub", "cmdr-1", "--role", "base_commander", "--base", "fort-alpha"})
	require.NoError(t, root.Execute())

	who, err := api.NewAuthenticator("cli-secret", "ledger").Parse(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "cmdr-1", who.ID)
	assert.Equal(t, []ledger.BaseID{"fort-alpha"}, who.Bases)
}

func TestSeedThenVerifyCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "ledger.db")

	seed := newRootCommand()
	seed.SetArgs([]string{"seed", "--movements", "--db", db})
	require.NoError(t, seed.Execute())

	verify := newRootCommand()
	verify.SetArgs([]string{"verify", "--db", db})
	assert.NoError(t, verify.Execute())

	again := newRootCommand()
	again.SetArgs([]string{"seed", "--movements", "--db", db})
	assert.ErrorIs(t, again.Execute(), errLedgerNotEmpty)

	reseed := newRootCommand()
	reseed.SetArgs([]string{"seed", "--movements", "--reset", "--db", db})
	assert.NoError(t, reseed.Execute())
}

func TestSeedReset_RefusedOutsideDevelopment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("LEDGER_APP_ENV", "production")
	t.Setenv("LEDGER_AUTH_JWT_SECRET", "s")

	root := newRootCommand()
	root.SetArgs([]string{"seed", "--reset", "--db", filepath.Join(dir, "ledger.db")})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}
