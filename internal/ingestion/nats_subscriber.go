// Package ingestion is the transport edge: JetStream consumers feeding the
// ingestion loop, the inbound message parser, and the outbound notification
// publisher.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream and subject layout. Inbound position events arrive on
// switch.position.{group}.{account}; outbound notifications leave on
// switch.notification.{action}.{to}.
const (
	PositionStream     = "SWITCH_POSITION"
	NotificationStream = "SWITCH_NOTIFICATION"

	positionSubjects     = "switch.position.>"
	notificationSubjects = "switch.notification.>"
)

// InboundMessage is one JetStream delivery, parsed no further than bytes.
// Ack after the account batch lands downstream; Nak to force redelivery.
type InboundMessage struct {
	Subject  string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
}

// SubjectConfig maps one inbound subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per position action group, so
// the groups can scale and lag independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "switch.position.fulfil.>", ConsumerName: "switchledger-fulfil", StreamName: PositionStream},
		{Subject: "switch.position.timeout.>", ConsumerName: "switchledger-timeout", StreamName: PositionStream},
		{Subject: "switch.position.fx-timeout.>", ConsumerName: "switchledger-fx-timeout", StreamName: PositionStream},
	}
}

// AccountFromSubject extracts the account token from an inbound subject,
// e.g. "switch.position.fulfil.payeefsp" -> "payeefsp". The account a message
// settles against is assigned upstream; the subject just carries it.
func AccountFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 || parts[3] == "" {
		return "", fmt.Errorf("subject %q carries no account token", subject)
	}
	return parts[3], nil
}

// Subscriber feeds JetStream deliveries into the ingestion loop's channel.
type Subscriber struct {
	js        jetstream.JetStream
	inbound   chan<- InboundMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, inbound chan<- InboundMessage, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		inbound: inbound,
		log:     log.With().Str("component", "subscriber").Logger(),
	}
}

// Subscribe creates durable consumers for all configured subjects.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			in := InboundMessage{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
			}

			select {
			case s.inbound <- in:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumerContext)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("subscribers stopped")
}

// EnsureStreams creates the inbound and outbound streams if absent.
// FileStorage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      PositionStream,
			Subjects:  []string{positionSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      NotificationStream,
			Subjects:  []string{notificationSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
