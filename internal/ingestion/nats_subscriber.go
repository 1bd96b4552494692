package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream        = "PERP_COMMANDS"
	CommandSubjectPrefix = "perp.engine.commands."
)

// SubjectFor returns the command subject for an event type, e.g.
// perp.engine.commands.OrderSubmitted.
func SubjectFor(et event.EventType) string {
	return CommandSubjectPrefix + et.String()
}

// EventTypeFromSubject is the inverse of SubjectFor. Extra tokens after
// the type (perp.engine.commands.OrderSubmitted.ETH-PERP) are allowed.
func EventTypeFromSubject(subject string) (event.EventType, bool) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return event.EventTypeUnknown, false
	}
	name, _, _ := strings.Cut(rest, ".")
	return event.ParseEventType(name)
}

// NATSSubscriber consumes commands from JetStream. All command types share
// one stream and one durable consumer so keepers see their commands
// applied in publish order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// RawEvent is a command as received, before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // the command reached a verdict
	NakFunc   func() // redeliver
}

// NewNATSSubscriber returns a subscriber feeding eventChan. metrics may be nil.
func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		log:       log,
	}
}

// Subscribe starts the durable consumer. Consumers use explicit ACK,
// max_deliver=5, ack_wait=30s. maxBatch bounds the messages buffered per
// pull; zero keeps the client default.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, durable string, maxBatch int) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", durable, err)
	}

	var opts []jetstream.PullConsumeOpt
	if maxBatch > 0 {
		opts = append(opts, jetstream.PullMaxMessages(maxBatch))
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if ns.metrics != nil {
			if md, err := msg.Metadata(); err == nil {
				ns.metrics.NATSConsumerPending.WithLabelValues(durable).Set(float64(md.NumPending))
			}
		}
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { _ = msg.Ack() },
			NakFunc:   func() { _ = msg.Nak() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	}, opts...)
	if err != nil {
		return fmt.Errorf("consume %s: %w", durable, err)
	}

	ns.consumer = cc
	ns.log.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", durable).Msg("subscribed")
	return nil
}

// EnsureStreams creates the command stream if it does not exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.log.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
