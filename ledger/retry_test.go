package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/stock-ledger/ledger"
)

func TestWithRetry(t *testing.T) {
	ledger.RetryBackoff = time.Millisecond
	ctx := context.Background()
	transient := ledger.NewStorageError("commit", errors.New("database is locked"))

	t.Run("retries storage failures until success", func(t *testing.T) {
		calls := 0
		err := ledger.WithRetry(ctx, 3, func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the bound", func(t *testing.T) {
		calls := 0
		err := ledger.WithRetry(ctx, 2, func(context.Context) error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, ledger.ErrStorageFailure)
		assert.Equal(t, 2, calls)
	})

	t.Run("never retries business errors", func(t *testing.T) {
		calls := 0
		err := ledger.WithRetry(ctx, 5, func(context.Context) error {
			calls++
			return &ledger.InsufficientStockError{BatchID: "b", Available: d("1"), Requested: d("2")}
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientStock)
		assert.Equal(t, 1, calls)
	})
}

func TestErrorKinds(t *testing.T) {
	driver := errors.New("disk I/O error")
	se := ledger.NewStorageError("insert batch", driver)

	assert.ErrorIs(t, se, ledger.ErrStorageFailure)
	assert.ErrorIs(t, se, driver)
	assert.True(t, ledger.IsRetryable(se))
	assert.False(t, ledger.IsClientError(se))
	assert.Nil(t, ledger.NewStorageError("noop", nil))
	assert.Same(t, se, ledger.NewStorageError("outer", se))

	nf := ledger.NewNotFound("batch", "b-1")
	assert.True(t, ledger.IsNotFound(nf))
	assert.EqualError(t, nf, `batch "b-1" not found`)
}
