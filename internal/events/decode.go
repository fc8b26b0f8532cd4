package events

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"live-transcript-relay/internal/models"
)

// Record is one decoded downstream message. Exactly one of Transcript and
// Annotation is set.
type Record struct {
	EventType  string
	Principal  string
	Transcript *models.TranscriptRecord
	Annotation *models.AnnotationRecord
}

// Decode turns a published message back into a record, dispatching on the
// eventType header and falling back to the body's eventType field.
func Decode(msg kafka.Message) (Record, error) {
	var rec Record
	for _, h := range msg.Headers {
		switch h.Key {
		case "eventType":
			rec.EventType = string(h.Value)
		case "principal":
			rec.Principal = string(h.Value)
		}
	}
	if rec.EventType == "" {
		var head struct {
			EventType string `json:"eventType"`
		}
		if err := json.Unmarshal(msg.Value, &head); err != nil {
			return Record{}, fmt.Errorf("decode event type: %w", err)
		}
		rec.EventType = head.EventType
	}

	switch rec.EventType {
	case EventTypeTranscriptFinal:
		var t models.TranscriptRecord
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			return Record{}, fmt.Errorf("decode transcript: %w", err)
		}
		rec.Transcript = &t
	case EventTypeAnnotation:
		var a models.AnnotationRecord
		if err := json.Unmarshal(msg.Value, &a); err != nil {
			return Record{}, fmt.Errorf("decode annotation: %w", err)
		}
		rec.Annotation = &a
	default:
		return Record{}, fmt.Errorf("unknown event type %q", rec.EventType)
	}
	return rec, nil
}

// SessionGroupKey returns the group the record belongs to.
func (r Record) SessionGroupKey() string {
	switch {
	case r.Transcript != nil:
		return r.Transcript.SessionGroupKey
	case r.Annotation != nil:
		return r.Annotation.SessionGroupKey
	}
	return ""
}
