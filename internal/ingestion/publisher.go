package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/observability"
)

// Publisher drains the notify channel and publishes each notification to
// switch.notification.{action}.{to}. A publish failure is non-fatal: the
// source message was already persisted, and the broker redelivers the inbound
// event if the participant never saw a callback.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan ledger.NotifyMessage
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewPublisher(
	js jetstream.JetStream,
	inputChan <-chan ledger.NotifyMessage,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
		metrics:   metrics,
	}
}

// Run loops until ctx is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, n); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				p.log.Warn().Err(err).
					Str("to", n.Message.To).
					Str("id", n.Message.ID).
					Msg("outbound publish failed")
				continue
			}

			if p.metrics != nil {
				p.metrics.NotificationsPublished.WithLabelValues(string(n.Message.Metadata.Event.Action)).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, n ledger.NotifyMessage) error {
	data, err := json.Marshal(n.Message)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.Message.ID, err)
	}

	subject := fmt.Sprintf("switch.notification.%s.%s", n.Message.Metadata.Event.Action, n.Message.To)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
