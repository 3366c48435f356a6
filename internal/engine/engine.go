// Package engine defines the narrow contract the server uses to talk to the
// local generation engine, along with its availability and error vocabulary.
package engine

import (
	"context"
	"fmt"

	"chatbridge/internal/transcript"
)

// Reason enumerates the stable vocabulary of unavailability causes.
type Reason string

const (
	ReasonDeviceNotEligible Reason = "device_not_eligible"
	ReasonFeatureNotEnabled Reason = "feature_not_enabled"
	ReasonModelNotReady     Reason = "model_not_ready"
	ReasonUnknown           Reason = "unknown"
)

// Availability reports the engine's readiness at the instant of the probe.
// It is recomputed on every call and must never be cached by callers.
type Availability struct {
	Available bool
	Reason    Reason
	Detail    string
}

// Options carries the per-request generation parameters.
type Options struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// FinishReason enumerates why generation terminated.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// Result is the outcome of a single-shot generation call.
type Result struct {
	Text         string
	FinishReason string
}

// Segment is one item of a streaming generation. Text carries new output
// since the previous segment, or the full output so far when Snapshot is
// set; the consumer diffs snapshots against its own accumulator.
// FinishReason is set on the final segment when the engine reports why it
// stopped.
type Segment struct {
	Text         string
	Snapshot     bool
	FinishReason string
}

// Engine is the capability interface over the local generation runtime.
// Implementations must be safe for concurrent use; internal serialization of
// the underlying model handle is the implementation's concern.
type Engine interface {
	// Probe queries the engine's readiness. It has no side effects and is
	// safe to call repeatedly and concurrently.
	Probe(ctx context.Context) Availability

	// Generate runs a single-shot completion for the given context.
	Generate(ctx context.Context, tc *transcript.Context, opts Options) (*Result, error)

	// GenerateStream starts an incremental completion. Segments arrive on
	// the first channel in production order; at most one error is sent on
	// the second. Both channels are closed when the stream ends for any
	// reason, with the error channel closed last. Cancelling ctx releases
	// the underlying engine call.
	GenerateStream(ctx context.Context, tc *transcript.Context, opts Options) (<-chan Segment, <-chan error)
}

// UnavailableError reports that generation was refused because the engine is
// not ready.
type UnavailableError struct {
	Reason Reason
	Detail string
}

func (e *UnavailableError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("engine unavailable: %s", e.Reason)
	}
	return fmt.Sprintf("engine unavailable: %s: %s", e.Reason, e.Detail)
}

// GenerationError reports that the engine failed after being reported
// available, during either a single-shot or a streaming call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
