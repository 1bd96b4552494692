package core

import (
	"context"
	"errors"

	"PerpEngine/internal/event"

	"github.com/rs/zerolog"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer owns the core on a single goroutine. Commands and queries from
// NATS, gRPC and HTTP are serialized through it, so the core itself needs
// no locking.
type Sequencer struct {
	core     *DeterministicCore
	requests chan request
	done     chan struct{}
	log      zerolog.Logger
}

type request struct {
	evt   event.Event
	query func(*DeterministicCore)
	reply chan error
}

func NewSequencer(core *DeterministicCore, buffer int, log zerolog.Logger) *Sequencer {
	return &Sequencer{
		core:     core,
		requests: make(chan request, buffer),
		done:     make(chan struct{}),
		log:      log,
	}
}

// Run processes requests until ctx is cancelled. Invariant panics from the
// core are not recovered.
func (s *Sequencer) Run(ctx context.Context) error {
	defer close(s.done)
	s.log.Info().Int64("sequence", s.core.GetSequence()).Msg("sequencer started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Int64("sequence", s.core.GetSequence()).Msg("sequencer stopped")
			return ctx.Err()
		case req := <-s.requests:
			if req.query != nil {
				req.query(s.core)
				req.reply <- nil
				continue
			}
			err := s.core.ProcessEvent(req.evt)
			if err != nil {
				s.logRejection(req.evt, err)
			}
			req.reply <- err
		}
	}
}

func (s *Sequencer) logRejection(evt event.Event, err error) {
	category := Category(err)
	level := zerolog.InfoLevel
	if category == CategoryRace {
		level = zerolog.DebugLevel
	}
	s.log.WithLevel(level).
		Str("event_type", evt.EventType().String()).
		Str("key", evt.IdempotencyKey()).
		Str("category", category.String()).
		Err(err).
		Msg("command rejected")
}

// Submit applies evt and returns the core's verdict.
func (s *Sequencer) Submit(ctx context.Context, evt event.Event) error {
	return s.do(ctx, request{evt: evt, reply: make(chan error, 1)})
}

// Query runs fn on the core goroutine. fn must not retain the core.
func (s *Sequencer) Query(ctx context.Context, fn func(*DeterministicCore)) error {
	return s.do(ctx, request{query: fn, reply: make(chan error, 1)})
}

func (s *Sequencer) do(ctx context.Context, req request) error {
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
