// Package stt defines the streaming speech-to-text session used by the relay.
package stt

import (
	"context"
	"errors"
	"time"

	"live-transcript-relay/internal/models"
)

var (
	// ErrConnect wraps every failure to open an upstream session.
	ErrConnect = errors.New("stt: cannot open upstream session")
	// ErrSessionClosed is returned by SendAudio after Close or Dispose.
	ErrSessionClosed = errors.New("stt: session closed")
)

// EventKind distinguishes transcript results from upstream errors.
type EventKind int

const (
	EventTranscript EventKind = iota
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is one recognition result for a segment.
type Result struct {
	SegmentID   string
	Text        string
	Confidence  float64
	IsFinal     bool
	StartOffset time.Duration
	Duration    time.Duration
	Words       []models.Word
}

// Event is emitted on Session.Events.
type Event struct {
	Kind   EventKind
	Result *Result
	Err    error
}

// Config is passed to Provider.Open.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	Encoding       string
	InterimResults bool
	Model          string
	PhraseHints    []string

	// NextSegmentID allocates the id of the next utterance. Providers call it
	// once when the session opens and again after every final result.
	NextSegmentID func() string
}

// Provider opens upstream sessions (Google, mock, ...).
type Provider interface {
	Name() string
	// Open starts a streaming session. Errors wrap ErrConnect.
	Open(ctx context.Context, cfg Config) (Session, error)
}

// Session is one upstream streaming recognition.
//
// Results and transport failures are delivered on Events, which has exactly
// one reader. Close half-closes the upstream and does not wait for pending
// results; Dispose releases everything and eventually closes the Events
// channel. Both are idempotent and may be called in either order.
type Session interface {
	// SendAudio forwards one chunk. It only fails with ErrSessionClosed;
	// transport failures arrive as EventError.
	SendAudio(ctx context.Context, audio []byte) error
	Events() <-chan Event
	Close() error
	Dispose()
}

// Transcript builds a transcript event.
func Transcript(r Result) Event {
	return Event{Kind: EventTranscript, Result: &r}
}

// Failure builds an error event.
func Failure(err error) Event {
	return Event{Kind: EventError, Err: err}
}
