// Package schema validates outbound transcript and annotation events.
package schema

import (
	"errors"
	"fmt"

	"live-transcript-relay/internal/models"
)

var (
	ErrMissingSegmentID   = errors.New("segment id is required")
	ErrConfidenceRange    = errors.New("confidence must be within [0,1]")
	ErrMissingLabel       = errors.New("annotation label is required")
	ErrNegativeOffset     = errors.New("offsets must not be negative")
	ErrUnsupportedPayload = errors.New("unsupported event type")
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks a models.TranscriptEvent or models.Annotation.
func (v *Validator) Validate(event any) error {
	switch ev := event.(type) {
	case models.TranscriptEvent:
		return v.transcript(ev)
	case *models.TranscriptEvent:
		return v.transcript(*ev)
	case models.Annotation:
		return v.annotation(ev)
	case *models.Annotation:
		return v.annotation(*ev)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedPayload, event)
	}
}

func (v *Validator) transcript(ev models.TranscriptEvent) error {
	if ev.SegmentID == "" {
		return ErrMissingSegmentID
	}
	if !inUnitRange(ev.Confidence) {
		return fmt.Errorf("%w: got %v", ErrConfidenceRange, ev.Confidence)
	}
	if ev.StartOffsetMs < 0 || ev.DurationMs < 0 {
		return ErrNegativeOffset
	}
	return nil
}

func (v *Validator) annotation(a models.Annotation) error {
	if a.SegmentID == "" {
		return ErrMissingSegmentID
	}
	if a.Label == "" {
		return ErrMissingLabel
	}
	if !inUnitRange(a.Confidence) {
		return fmt.Errorf("%w: got %v", ErrConfidenceRange, a.Confidence)
	}
	return nil
}

func inUnitRange(f float64) bool {
	return f >= 0 && f <= 1
}
