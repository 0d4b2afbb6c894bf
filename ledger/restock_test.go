package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ledger/store"
)

func TestRestock_Lifecycle(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()
	p, _ := intake(t, eng, "900", "1", nil)

	// GIVEN: one line tied to a product, one free-text line
	linked, err := eng.AddRestockItem(ctx, ledger.RestockInput{ProductID: &p.ID, Quantity: d("12")})
	require.NoError(t, err)
	assert.Equal(t, p.Name, linked.Name)
	assert.Equal(t, "900", linked.Barcode)
	assert.Equal(t, "pcs", linked.Unit)

	loose, err := eng.AddRestockItem(ctx, ledger.RestockInput{Name: "  Paper bags ", Quantity: d("2.5"), Unit: "kg"})
	require.NoError(t, err)
	assert.Equal(t, "Paper bags", loose.Name)

	// WHEN: one is bought
	bought, err := eng.MarkRestockBought(ctx, linked.ID)
	require.NoError(t, err)
	assert.True(t, bought.Bought)
	assert.NotNil(t, bought.BoughtAt)

	// THEN: the open list hides it, the full list keeps it
	open, err := eng.RestockItems(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, loose.ID, open[0].ID)

	all, err := eng.RestockItems(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, eng.RemoveRestockItem(ctx, loose.ID))
	assert.True(t, ledger.IsNotFound(eng.RemoveRestockItem(ctx, loose.ID)))
	_, err = eng.MarkRestockBought(ctx, loose.ID)
	assert.True(t, ledger.IsNotFound(err))
}

func TestRestock_Rejections(t *testing.T) {
	eng, _, _ := newEngine(t)
	ctx := context.Background()

	_, err := eng.AddRestockItem(ctx, ledger.RestockInput{Quantity: d("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument, "no name and no product")

	_, err = eng.AddRestockItem(ctx, ledger.RestockInput{Name: "Salt", Quantity: d("0")})
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	missing := ledger.ProductID("missing")
	_, err = eng.AddRestockItem(ctx, ledger.RestockInput{ProductID: &missing, Quantity: d("1")})
	assert.True(t, ledger.IsNotFound(err))
}

func TestRestock_StoreWithoutCapability(t *testing.T) {
	eng := ledger.NewEngine(&failingStore{Store: store.NewMemory()}, ledger.Config{})

	_, err := eng.RestockItems(context.Background(), true)
	assert.True(t, errors.Is(err, ledger.ErrStoreRequired))
}
