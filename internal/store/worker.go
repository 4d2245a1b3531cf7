package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/observability"
)

// Worker drains the persist channel and writes account results to Postgres.
// The orchestrator sends on the channel BLOCKING, so if this worker falls
// behind, bin processing stalls; no processed result is ever lost. Requests
// are batched per transaction; within a batch they commit in arrival order,
// which preserves each account's cumulative chain.
type Worker struct {
	store        *Store
	inputChan    <-chan PersistRequest
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	store *Store,
	inputChan <-chan PersistRequest,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log.With().Str("component", "persist_worker").Logger(),
		metrics:      metrics,
	}
}

// Run loops until ctx is cancelled, flushing when the batch fills or the
// flush timeout fires. On shutdown the remaining batch gets one final flush.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]PersistRequest, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("requests", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case req, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("requests", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			// A request that fails validation would poison every retry of
			// its batch; drop it here and keep the channel draining.
			if err := w.store.Validate(req); err != nil {
				w.log.Error().Err(err).Str("account", req.Account).Msg("dropping invalid persist request")
				continue
			}

			batch = append(batch, req)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// batch: it keeps retrying until the write lands or, on shutdown, makes one
// final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []PersistRequest) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("requests", len(batch)).
				Msg("persist retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persist flush recovered")
			}
			return
		}
		w.log.Error().Err(err).Msg("persist flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, batch []PersistRequest) error {
	start := time.Now()

	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		w.store.recordError("tx_begin")
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	rowCount := 0
	for _, req := range batch {
		if err := w.store.persistInTx(ctx, tx, req); err != nil {
			return err
		}
		rowCount += len(req.PositionChanges)
	}

	if err := tx.Commit(); err != nil {
		w.store.recordError("tx_commit")
		return fmt.Errorf("commit flush tx: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(rowCount))
		for _, req := range batch {
			if !req.EnqueuedAt.IsZero() {
				w.metrics.ApplyToPersist.Observe(time.Since(req.EnqueuedAt).Seconds())
			}
		}
	}
	return nil
}

// Ping verifies the pool is reachable, for readiness checks.
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
