package persistence

import (
	"context"
	"errors"
	"fmt"

	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
)

// ErrReplayDiverged means replaying the log did not reproduce the stored
// hash chain. The process must not serve traffic from that state.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// EventSource yields persisted events in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// Replay applies every logged event at or after c's next sequence and
// checks each resulting state hash against the log.
func Replay(ctx context.Context, src EventSource, c *core.DeterministicCore, batchSize int) (int64, error) {
	var replayed int64
	from := c.GetSequence()

	for {
		rows, err := src.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			if err := replayOne(c, row); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1

		if err := ctx.Err(); err != nil {
			return replayed, err
		}
	}
}

func replayOne(c *core.DeterministicCore, row EventRow) error {
	env, err := row.Envelope()
	if err != nil {
		return err
	}
	if env.Sequence != c.GetSequence() {
		return fmt.Errorf("%w: expected seq=%d, log has %d", ErrReplayDiverged, c.GetSequence(), env.Sequence)
	}
	if env.PrevHash != c.GetStateHash() {
		return fmt.Errorf("%w: seq=%d prev hash mismatch", ErrReplayDiverged, env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("seq=%d: %w", env.Sequence, err)
	}
	if err := c.ProcessEvent(evt); err != nil {
		return fmt.Errorf("%w: seq=%d rejected on replay: %w", ErrReplayDiverged, env.Sequence, err)
	}
	if c.GetSequence() != env.Sequence+1 {
		return fmt.Errorf("%w: seq=%d was not applied", ErrReplayDiverged, env.Sequence)
	}
	if c.GetStateHash() != env.StateHash {
		return fmt.Errorf("%w: seq=%d state hash mismatch", ErrReplayDiverged, env.Sequence)
	}
	return nil
}
