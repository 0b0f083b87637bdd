package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/asset-ledger/ledger"
	"github.com/warp/asset-ledger/ledger/store"
)

func TestScheduler_SyncsForeignWritesAndVerifies(t *testing.T) {
	// GIVEN: Two services over one store
	// WHEN: One writes and the other's scheduler runs a pass
	// THEN: The idle service sees the event and records a clean report

	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveBase(ctx, ledger.Base{ID: "base-a", Name: "Alpha"}))
	require.NoError(t, mem.SaveEquipmentType(ctx, ledger.EquipmentType{ID: "rifle", Name: "Rifle"}))

	clock := ledger.FixedClock(time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC))
	writer, err := ledger.NewService(ctx, ledger.ServiceConfig{Store: mem, References: mem, Clock: clock})
	require.NoError(t, err)
	reader, err := ledger.NewService(ctx, ledger.ServiceConfig{Store: mem, References: mem, Clock: clock})
	require.NoError(t, err)

	_, err = writer.RecordPurchase(ctx, ledger.System, ledger.PurchaseInput{Base: "base-a", EquipmentType: "rifle", Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, ledger.Seq(0), reader.Head())

	metrics, err := NewMetrics()
	require.NoError(t, err)
	s := NewScheduler(reader, zerolog.Nop())
	s.Metrics = metrics

	_, ok := s.LastReport()
	assert.False(t, ok)

	s.SyncOnce(ctx)
	assert.Equal(t, ledger.Seq(1), reader.Head())

	s.VerifyOnce(ctx)
	report, ok := s.LastReport()
	require.True(t, ok)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Events)
}

func TestScheduler_StartStop(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc, err := ledger.NewService(ctx, ledger.ServiceConfig{Store: mem, References: mem})
	require.NoError(t, err)

	s := NewScheduler(svc, zerolog.Nop())
	s.SyncInterval = 10 * time.Millisecond
	s.VerifyInterval = 0

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	_, ok := s.LastReport()
	assert.False(t, ok, "verification disabled")
}
