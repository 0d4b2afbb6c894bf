package api

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/observability"
)

func TestScheduler_RunOnceReportsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	engine := ledger.NewEngine(store.NewMemory(), ledger.Config{})

	expired := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	milk, err := engine.Intake(ctx, ledger.IntakeInput{
		Barcode: "milk", Name: "Milk", Quantity: d("6"), ExpiryDate: &expired,
		PurchasePrice: d("1"), SellingPrice: d("2"),
	})
	require.NoError(t, err)
	rice, err := engine.Intake(ctx, ledger.IntakeInput{
		Barcode: "rice", Name: "Rice", Quantity: d("10"), ExpiryDate: &fresh,
		PurchasePrice: d("1"), SellingPrice: d("2"),
	})
	require.NoError(t, err)

	// GIVEN: an audit that leaves rice's counter above its batches
	batches, err := engine.Store().BatchesByProduct(ctx, rice.ID)
	require.NoError(t, err)
	_, err = engine.AuditCorrect(ctx, batches[0].ID, d("7"))
	require.NoError(t, err)

	var logs bytes.Buffer
	metrics := observability.NewMetrics()
	sched := NewReconciliationScheduler(engine, metrics, zerolog.New(&logs))
	sched.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }

	// WHEN: one sweep runs
	sum := sched.RunOnce(ctx)

	// THEN: divergence and expiry are reported, nothing is changed
	assert.Equal(t, 2, sum.Products)
	assert.Equal(t, 1, sum.Diverged)
	assert.Equal(t, 0, sum.ReplayMismatches)
	assert.Equal(t, 1, sum.ExpiredBatches)
	assert.Contains(t, logs.String(), "aggregate diverges from batches")
	assert.Contains(t, logs.String(), "expired stock on hand")

	after, err := engine.Store().ProductByID(ctx, rice.ID)
	require.NoError(t, err)
	assertQty(t, "10", after.Quantity)
	milkAfter, err := engine.Store().ProductByID(ctx, milk.ID)
	require.NoError(t, err)
	assertQty(t, "6", milkAfter.Quantity)
}

func TestScheduler_StartStopIsIdempotent(t *testing.T) {
	engine := ledger.NewEngine(store.NewMemory(), ledger.Config{})
	sched := NewReconciliationScheduler(engine, nil, zerolog.Nop())
	sched.CheckInterval = time.Hour

	sched.Stop()
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}
