package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/binning"
	"SwitchLedger/internal/observability"
)

// Loop collects inbound deliveries into windows, assembles them into account
// batches, and drives each batch through the orchestrator. Acks are deferred
// until the batch's results are handed downstream; a failed batch is NAKed
// whole so the broker redelivers it in order.
type Loop struct {
	inbound   <-chan InboundMessage
	dedup     *binning.Dedup
	orch      *binning.Orchestrator
	batchSize int
	window    time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewLoop(
	inbound <-chan InboundMessage,
	dedup *binning.Dedup,
	orch *binning.Orchestrator,
	batchSize int,
	window time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Loop {
	return &Loop{
		inbound:   inbound,
		dedup:     dedup,
		orch:      orch,
		batchSize: batchSize,
		window:    window,
		log:       log.With().Str("component", "ingestion_loop").Logger(),
		metrics:   metrics,
	}
}

// pending pairs a delivery with its parsed form until the batch resolves.
type pending struct {
	msg InboundMessage
	in  binning.Inbound
}

// Run loops until ctx is cancelled. Each iteration drains up to batchSize
// messages or waits out the window, whichever comes first.
func (l *Loop) Run(ctx context.Context) error {
	for {
		window, err := l.collect(ctx)
		if err != nil {
			return err
		}
		if len(window) > 0 {
			l.dispatch(ctx, window)
		}
	}
}

func (l *Loop) collect(ctx context.Context) ([]pending, error) {
	var window []pending

	timer := time.NewTimer(l.window)
	defer timer.Stop()

	for len(window) < l.batchSize {
		select {
		case <-ctx.Done():
			// NAK whatever we collected; it will be redelivered.
			for _, p := range window {
				p.msg.Nak()
			}
			return nil, ctx.Err()

		case msg := <-l.inbound:
			if p, ok := l.admit(ctx, msg); ok {
				window = append(window, p)
			}

		case <-timer.C:
			return window, nil
		}
	}
	return window, nil
}

// admit parses and dedups one delivery. Poison messages are ACKed and
// dropped; redelivering them can never succeed. Duplicates are ACKed too:
// their effects are already persisted.
func (l *Loop) admit(ctx context.Context, msg InboundMessage) (pending, bool) {
	parsed, err := ParseMessage(msg.Data)
	if err != nil {
		l.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable message")
		msg.Ack()
		return pending{}, false
	}

	account, err := AccountFromSubject(msg.Subject)
	if err != nil {
		l.log.Warn().Err(err).Str("id", parsed.ID).Msg("dropping message without account")
		msg.Ack()
		return pending{}, false
	}

	action := parsed.Metadata.Event.Action
	if l.dedup != nil && l.dedup.IsDuplicate(ctx, action, parsed.Key()) {
		l.log.Debug().Str("id", parsed.ID).Str("action", string(action)).Msg("duplicate dropped")
		msg.Ack()
		return pending{}, false
	}

	return pending{
		msg: msg,
		in:  binning.Inbound{Account: account, Item: ToBinItem(parsed)},
	}, true
}

func (l *Loop) dispatch(ctx context.Context, window []pending) {
	inbound := make([]binning.Inbound, 0, len(window))
	byAccount := make(map[string][]pending)
	for _, p := range window {
		inbound = append(inbound, p.in)
		byAccount[p.in.Account] = append(byAccount[p.in.Account], p)
	}

	for _, batch := range binning.Assemble(inbound) {
		members := byAccount[batch.Account]

		if err := l.orch.ProcessBatch(ctx, batch); err != nil {
			l.log.Error().Err(err).
				Str("account", batch.Account).
				Int("items", batch.Size()).
				Msg("account batch failed, nacking")
			for _, p := range members {
				p.msg.Nak()
			}
			continue
		}

		for _, p := range members {
			if l.metrics != nil {
				action := p.in.Item.Message.Metadata.Event.Action
				l.metrics.IngestToApply.WithLabelValues(string(action)).Observe(time.Since(p.msg.Received).Seconds())
			}
			p.msg.Ack()
		}
	}
}
