/*
scheduler.go - Periodic reconciliation sweep

PURPOSE:
  Periodically reconciles every product against its batches and reports
  what it finds. It never writes to the ledger: divergence after an audit is
  expected and closing it is a human decision.

FINDINGS (logged at WARN and counted in metrics):
  - aggregate diverges from batches: Product.Quantity != sum of remaining
  - adjustment replay mismatch:      a batch's log does not rebuild it
  - expired stock on hand:           past expiry with remaining > 0

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler runs at all (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/reconcile.go: Reconcile, ReplayAdjustments
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/observability"
)

// ReconciliationScheduler runs the read-only reconciliation sweep.
type ReconciliationScheduler struct {
	Engine        *ledger.Engine
	Metrics       *observability.Metrics
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepSummary counts what one sweep found.
type SweepSummary struct {
	Products         int `json:"products"`
	Diverged         int `json:"diverged"`
	ReplayMismatches int `json:"replayMismatches"`
	ExpiredBatches   int `json:"expiredBatches"`
	Errors           int `json:"errors"`
}

func NewReconciliationScheduler(engine *ledger.Engine, metrics *observability.Metrics, logger zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Engine:        engine,
		Metrics:       metrics,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           func() time.Time { return time.Now().UTC() },
		log:           logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins the scheduler. Calling it on a running scheduler is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info().Msg("stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single sweep over every product.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) SweepSummary {
	var sum SweepSummary
	now := rs.Now()
	store := rs.Engine.Store()

	products, err := store.ListProducts(ctx)
	if err != nil {
		rs.log.Error().Err(err).Msg("listing products")
		sum.Errors++
		return sum
	}

	for _, p := range products {
		if ctx.Err() != nil {
			return sum
		}
		sum.Products++

		rec, err := rs.Engine.Reconcile(ctx, p.ID)
		if err != nil {
			rs.log.Error().Err(err).Str("product_id", string(p.ID)).Msg("reconciling product")
			sum.Errors++
			continue
		}
		if !rec.InSync() {
			sum.Diverged++
			rs.Metrics.ReconciliationFinding(observability.FindingDivergence)
			rs.log.Warn().
				Str("product_id", string(p.ID)).
				Str("product_quantity", rec.ProductQuantity.String()).
				Str("batch_total", rec.BatchTotal.String()).
				Str("divergence", rec.Divergence.String()).
				Msg("aggregate diverges from batches")
		}
		for _, br := range rec.Batches {
			if br.Consistent {
				continue
			}
			sum.ReplayMismatches++
			rs.Metrics.ReconciliationFinding(observability.FindingReplayMismatch)
			rs.log.Warn().
				Str("product_id", string(p.ID)).
				Str("batch_id", string(br.BatchID)).
				Str("remaining", br.Remaining.String()).
				Str("replayed", br.Replayed.String()).
				Msg("adjustment replay mismatch")
		}

		batches, err := store.BatchesByProduct(ctx, p.ID)
		if err != nil {
			sum.Errors++
			continue
		}
		for _, b := range batches {
			if !b.Expired(now) || !b.RemainingQuantity.IsPositive() {
				continue
			}
			sum.ExpiredBatches++
			rs.Metrics.ReconciliationFinding(observability.FindingExpiredStock)
			rs.log.Warn().
				Str("product_id", string(p.ID)).
				Str("batch_id", string(b.ID)).
				Time("expiry_date", *b.ExpiryDate).
				Str("remaining", b.RemainingQuantity.String()).
				Msg("expired stock on hand")
		}
	}

	rs.log.Debug().
		Int("products", sum.Products).
		Int("diverged", sum.Diverged).
		Int("replay_mismatches", sum.ReplayMismatches).
		Int("expired_batches", sum.ExpiredBatches).
		Msg("sweep complete")
	return sum
}
