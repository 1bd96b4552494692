package ingestion

import (
	"context"
	"errors"
	"time"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter applies a command and returns the engine's verdict.
// core.Sequencer implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) error
}

// CommandService is the synchronous intake used by the gRPC and HTTP
// surfaces. Unlike NATS it hands the verdict back to the caller.
type CommandService struct {
	submitter Submitter
	metrics   *observability.Metrics
}

func NewCommandService(submitter Submitter, metrics *observability.Metrics) *CommandService {
	return &CommandService{submitter: submitter, metrics: metrics}
}

// Submit parses a named command payload and applies it.
func (s *CommandService) Submit(ctx context.Context, eventType string, payload []byte) error {
	evt, err := ParseRawEvent(RawEvent{Data: payload, Timestamp: time.Now()}, eventType)
	if err != nil {
		s.reject("grpc", "invalid")
		return err
	}
	return s.Apply(ctx, evt)
}

// Apply submits an already decoded command.
func (s *CommandService) Apply(ctx context.Context, evt event.Event) error {
	if err := Validate(evt); err != nil {
		s.reject("grpc", "invalid")
		return err
	}
	err := s.submitter.Submit(ctx, evt)
	if err != nil {
		s.reject("grpc", core.Category(err).String())
	}
	return err
}

func (s *CommandService) reject(source, category string) {
	if s.metrics != nil {
		s.metrics.IngestRejected.WithLabelValues(source, category).Inc()
	}
}

// Dispatcher drains NATS commands into the engine one at a time. A message
// is acked once the engine has reached a verdict on it, accepted or not;
// it is nacked only when the engine could not be reached.
type Dispatcher struct {
	submitter Submitter
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewDispatcher(submitter Submitter, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{submitter: submitter, metrics: metrics, log: log}
}

// Run processes raw commands until ctx is cancelled or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawEvent) {
	et, ok := EventTypeFromSubject(raw.Subject)
	if !ok {
		d.log.Warn().Str("subject", raw.Subject).Msg("no command type for subject")
		d.reject("invalid")
		ack(raw)
		return
	}

	evt, err := ParseRawEvent(raw, et.String())
	if err != nil {
		d.log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		d.reject("invalid")
		ack(raw)
		return
	}

	err = d.submitter.Submit(ctx, evt)
	if errors.Is(err, core.ErrSequencerStopped) || errors.Is(err, context.Canceled) {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}
	if err != nil {
		d.reject(core.Category(err).String())
	}
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(et.String()).Observe(time.Since(raw.Timestamp).Seconds())
	}
	ack(raw)
}

func (d *Dispatcher) reject(category string) {
	if d.metrics != nil {
		d.metrics.IngestRejected.WithLabelValues("nats", category).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
