// Package completion orchestrates single-shot and streaming generation over
// the engine capability interface, normalizing engine segments into deltas.
package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"chatbridge/internal/engine"
	"chatbridge/internal/transcript"
)

// Request pairs a freshly built generation context with per-call options.
// The context is consumed once and never reused across calls.
type Request struct {
	Context *transcript.Context
	Options engine.Options
}

// Delta is one normalized item of a streaming completion. The first delta of
// every stream carries the assistant role announcement with no content; all
// following deltas carry incremental content only. The terminal delta has
// Done set along with the finish reason.
type Delta struct {
	Role         string
	Content      string
	Done         bool
	FinishReason string
}

// Orchestrator drives the generation engine for validated requests.
type Orchestrator struct {
	eng engine.Engine
	log zerolog.Logger
}

// New constructs an orchestrator over the given engine.
func New(eng engine.Engine, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		eng: eng,
		log: logger.With().Str("component", "completion").Logger(),
	}
}

// Complete runs a one-shot generation and wraps the engine output verbatim.
// Engine failures are returned as typed errors and never retried here;
// resubmission is the client's decision.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*engine.Result, error) {
	result, err := o.eng.Generate(ctx, req.Context, req.Options)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &engine.GenerationError{Err: errors.New("engine returned an empty result")}
	}
	if result.FinishReason == "" {
		result.FinishReason = engine.FinishStop
	}
	return result, nil
}

// Stream starts an incremental generation and re-emits engine segments as
// normalized deltas. Deltas arrive in production order; at most one error is
// sent on the second channel and both channels are closed when the stream
// terminates. A stream always ends with either a Done delta or an error,
// never silently.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Delta, <-chan error) {
	deltas := make(chan Delta, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(deltas)

		segments, segErrs := o.eng.GenerateStream(ctx, req.Context, req.Options)

		if !send(ctx, deltas, Delta{Role: "assistant"}) {
			errs <- ctx.Err()
			return
		}

		var state streamState
		finish := engine.FinishStop
		for seg := range segments {
			if text := state.advance(seg); text != "" {
				if !send(ctx, deltas, Delta{Content: text}) {
					errs <- ctx.Err()
					return
				}
			}
			if seg.FinishReason != "" {
				finish = seg.FinishReason
			}
		}

		if err := <-segErrs; err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				o.log.Error().Err(err).Msg("stream terminated by engine failure")
			}
			errs <- err
			return
		}
		if ctx.Err() != nil {
			errs <- ctx.Err()
			return
		}

		send(ctx, deltas, Delta{Done: true, FinishReason: finish})
	}()

	return deltas, errs
}

// streamState tracks the cumulative text of one in-flight stream. It is
// owned by the stream's goroutine and destroyed when the stream terminates.
type streamState struct {
	cumulative string
}

// advance converts an engine segment into the incremental text it adds.
// Snapshot segments carry the full output so far and are diffed against the
// accumulator; plain segments are increments and pass through unchanged.
func (s *streamState) advance(seg engine.Segment) string {
	if seg.Text == "" {
		return ""
	}
	if !seg.Snapshot {
		s.cumulative += seg.Text
		return seg.Text
	}
	if strings.HasPrefix(seg.Text, s.cumulative) {
		delta := seg.Text[len(s.cumulative):]
		s.cumulative = seg.Text
		return delta
	}
	// Snapshot does not extend what was already emitted; restart from it.
	s.cumulative = seg.Text
	return seg.Text
}

func send(ctx context.Context, deltas chan<- Delta, d Delta) bool {
	select {
	case deltas <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
