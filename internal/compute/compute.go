// Package compute defines the digest computation boundary.
//
// The verification engine never hashes bytes itself; it submits requests
// to a Service and consumes an asynchronous event stream. Events for one
// request always arrive in the order started, zero or more progress,
// then exactly one of completed or error. Events for different requests
// interleave arbitrarily. The Local service in this package is the
// in-process default; the interface exists so a remote computation
// backend can replace it without touching the engine.
package compute

import (
	"context"
	"errors"

	"fixity/internal/digest"
)

// EventKind discriminates stream events.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// Mode selects what the digest covers.
type Mode string

const (
	// ModeContainer digests the acquired bytes of an evidence container.
	// Only formats whose file bytes are the acquired bytes are supported;
	// anything needing format parsing yields ErrUnsupportedFormat.
	ModeContainer Mode = "container"
	// ModeRaw digests the file's bytes as-is, whatever they are. This is
	// the fallback for unsupported container formats.
	ModeRaw Mode = "raw"
)

var (
	// ErrUnsupportedFormat signals a container-mode request for a format
	// that cannot be digested without parsing. Callers retry in ModeRaw.
	ErrUnsupportedFormat = errors.New("compute: unsupported container format")
	// ErrUnknownAlgorithm rejects algorithms this service cannot compute.
	ErrUnknownAlgorithm = errors.New("compute: unknown algorithm")
	// ErrBadRequest rejects structurally invalid requests.
	ErrBadRequest = errors.New("compute: bad request")
)

// Request names one digest computation.
type Request struct {
	// FileID tags every event emitted for this request.
	FileID string
	// Path is the container or file to digest.
	Path string
	// Algorithm to compute. Must be one the service knows.
	Algorithm digest.Algorithm
	// Mode selects container or raw digesting. Empty means container.
	Mode Mode
	// Segments optionally pre-resolves the ordered segment paths; when
	// empty, container mode resolves them from Path.
	Segments []string
}

// Event is one element of a request's stream.
type Event struct {
	FileID string
	Kind   EventKind
	// Percent of total bytes digested, 0..100.
	Percent float64
	// SubPercent is progress within the current segment, set only for
	// multi-segment requests.
	SubPercent *float64
	// Digest is set on EventCompleted.
	Digest digest.Digest
	// Err is set on EventError. Inspect with errors.Is; in particular
	// ErrUnsupportedFormat drives the raw fallback.
	Err error
}

// Service accepts digest requests and streams events into out. Submit
// returns an error only for requests rejected before any work starts;
// accepted requests report everything, including failure, through the
// stream. Implementations own their parallelism; callers must keep
// draining out until the terminal event.
type Service interface {
	Submit(ctx context.Context, req Request, out chan<- Event) error
}
