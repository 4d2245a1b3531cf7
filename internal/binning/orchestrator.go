package binning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/observability"
	"SwitchLedger/internal/position"
	"SwitchLedger/internal/store"
)

// LookupStore is what the orchestrator needs from the Postgres store.
type LookupStore interface {
	LoadAccountSnapshot(ctx context.Context, account string) (ledger.PositionSnapshot, error)
	LoadFulfilLookups(ctx context.Context, ids []string) (position.FulfilLookups, error)
	LoadTimeoutLookups(ctx context.Context, ids []string) (position.TimeoutLookups, error)
	LoadFxTimeoutLookups(ctx context.Context, ids []string) (position.FxTimeoutLookups, error)
}

// Orchestrator runs account batches through the processors and fans the
// results out: persist requests on a BLOCKING channel (backpressure stalls
// bin processing rather than losing results), notifications on a non-blocking
// channel (a dropped publish is retried by the broker's redelivery).
type Orchestrator struct {
	proc    *position.Processor
	lookups LookupStore
	dedup   *Dedup
	persist chan<- store.PersistRequest
	notify  chan<- ledger.NotifyMessage
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewOrchestrator(
	proc *position.Processor,
	lookups LookupStore,
	dedup *Dedup,
	persist chan<- store.PersistRequest,
	notify chan<- ledger.NotifyMessage,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		proc:    proc,
		lookups: lookups,
		dedup:   dedup,
		persist: persist,
		notify:  notify,
		log:     log.With().Str("component", "orchestrator").Logger(),
		metrics: metrics,
	}
}

// ProcessBatch folds every bin of one account, in order, threading the
// position snapshot from bin to bin. Any bin failure aborts the whole batch
// with nothing emitted for the failed bin or anything after it; the caller
// NAKs the batch so the broker redelivers.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch *AccountBatch) error {
	running, err := o.lookups.LoadAccountSnapshot(ctx, batch.Account)
	if err != nil {
		return fmt.Errorf("account %s: %w", batch.Account, err)
	}

	for _, bin := range batch.Bins {
		start := time.Now()

		next, err := o.processBin(ctx, batch.Account, bin, running)
		if err != nil {
			o.recordBinFailed(bin.Action)
			o.log.Error().Err(err).
				Str("account", batch.Account).
				Str("action", string(bin.Action)).
				Int("items", len(bin.Items)).
				Msg("bin failed")
			return fmt.Errorf("account %s: %w", batch.Account, err)
		}
		running = next

		if o.metrics != nil {
			o.metrics.BinsProcessed.WithLabelValues(string(bin.Action)).Inc()
			o.metrics.BinDuration.WithLabelValues(string(bin.Action)).Observe(time.Since(start).Seconds())
			o.metrics.BinSize.WithLabelValues(string(bin.Action)).Observe(float64(len(bin.Items)))
		}
	}

	if o.metrics != nil {
		o.metrics.AccountBatches.Inc()
	}
	return nil
}

func (o *Orchestrator) processBin(
	ctx context.Context,
	account string,
	bin *Bin,
	prior ledger.PositionSnapshot,
) (ledger.PositionSnapshot, error) {
	ids, err := binKeys(bin)
	if err != nil {
		return prior, err
	}

	req := store.PersistRequest{
		Account:    account,
		Action:     bin.Action,
		Prior:      prior,
		EnqueuedAt: time.Now(),
	}
	var notifications []ledger.NotifyMessage

	switch {
	case bin.Action.IsFulfil():
		lk, err := o.lookups.LoadFulfilLookups(ctx, ids)
		if err != nil {
			return prior, err
		}
		res, err := o.proc.ProcessFulfilBin(bin.Items, prior, lk)
		if err != nil {
			return prior, err
		}
		req.Position = res.Position
		req.Deltas = res.Deltas
		req.StateChanges = res.StateChanges
		req.PositionChanges = res.PositionChanges
		notifications = res.Notifications

	case bin.Action == event.ActionTimeoutReserved:
		lk, err := o.lookups.LoadTimeoutLookups(ctx, ids)
		if err != nil {
			return prior, err
		}
		res, err := o.proc.ProcessTimeoutReservedBin(bin.Items, prior, lk)
		if err != nil {
			return prior, err
		}
		req.Position = res.Position
		req.Deltas = res.Deltas
		req.StateChanges = res.StateChanges
		req.PositionChanges = res.PositionChanges
		notifications = res.Notifications

	case bin.Action == event.ActionFxTimeoutReserved:
		lk, err := o.lookups.LoadFxTimeoutLookups(ctx, ids)
		if err != nil {
			return prior, err
		}
		res, err := o.proc.ProcessFxTimeoutReservedBin(bin.Items, prior, lk)
		if err != nil {
			return prior, err
		}
		req.Position = res.Position
		req.Deltas = res.Deltas
		req.FxStateChanges = res.FxStateChanges
		req.PositionChanges = res.PositionChanges
		notifications = res.Notifications

	default:
		return prior, fmt.Errorf("no processor for action %q", bin.Action)
	}

	if err := o.emit(ctx, req, notifications); err != nil {
		return prior, err
	}
	o.markProcessed(bin)
	return req.Position, nil
}

// emit hands a bin's outputs downstream. The persist send blocks when the
// worker is behind; the notify sends drop on a full channel.
func (o *Orchestrator) emit(ctx context.Context, req store.PersistRequest, notifications []ledger.NotifyMessage) error {
	select {
	case o.persist <- req:
	default:
		if o.metrics != nil {
			o.metrics.PersistBackpressure.Inc()
		}
		select {
		case o.persist <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, n := range notifications {
		select {
		case o.notify <- n:
		default:
			if o.metrics != nil {
				o.metrics.PublishDrops.Inc()
			}
			o.log.Warn().
				Str("to", n.Message.To).
				Str("id", n.Message.ID).
				Msg("notify channel full, dropping for redelivery")
		}
	}
	return nil
}

func (o *Orchestrator) markProcessed(bin *Bin) {
	if o.dedup == nil {
		return
	}
	for _, item := range bin.Items {
		if key := item.Message.Key(); key != "" {
			o.dedup.MarkProcessed(bin.Action, key)
		}
	}
}

func (o *Orchestrator) recordBinFailed(action event.Action) {
	if o.metrics != nil {
		o.metrics.BinsFailed.WithLabelValues(string(action), "fold").Inc()
	}
}

func binKeys(bin *Bin) ([]string, error) {
	keys := make([]string, 0, len(bin.Items))
	for _, item := range bin.Items {
		if item == nil || item.Message == nil {
			return nil, fmt.Errorf("%s bin holds an item with no message", bin.Action)
		}
		key := item.Message.Key()
		if key == "" {
			return nil, fmt.Errorf("%s bin item %s has no id in uri params", bin.Action, item.Message.ID)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
