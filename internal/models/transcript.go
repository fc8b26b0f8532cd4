// Package models defines the data structures for transcript and annotation events.
package models

// Word is a single recognized word with its timing relative to stream start.
type Word struct {
	Text          string  `json:"text"`
	StartOffsetMs int64   `json:"startOffsetMs"`
	EndOffsetMs   int64   `json:"endOffsetMs"`
	Confidence    float64 `json:"confidence,omitempty"`
}

// TranscriptEvent is one provisional or final recognition result for a segment.
// Provisional events for the same SegmentID replace each other; at most one
// final event exists per SegmentID.
type TranscriptEvent struct {
	SegmentID     string  `json:"segmentId"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"isFinal"`
	Confidence    float64 `json:"confidence"`
	Timestamp     int64   `json:"timestamp"`
	StartOffsetMs int64   `json:"startOffset"`
	DurationMs    int64   `json:"duration"`
	Words         []Word  `json:"words,omitempty"`
}

// Annotation is a detected reference attached to a final transcript segment.
type Annotation struct {
	SegmentID     string  `json:"segmentId"`
	Label         string  `json:"label"`
	MatchedText   string  `json:"matchedText"`
	SourceVersion string  `json:"sourceVersion"`
	Confidence    float64 `json:"confidence"`
}

// TranscriptRecord is the envelope published downstream for a final transcript.
type TranscriptRecord struct {
	EventType       string          `json:"eventType"`
	SessionGroupKey string          `json:"sessionGroupKey"`
	ConnectionID    string          `json:"connectionId"`
	Transcript      TranscriptEvent `json:"transcript"`
}

// AnnotationRecord is the envelope published downstream for an annotation.
type AnnotationRecord struct {
	EventType       string     `json:"eventType"`
	SessionGroupKey string     `json:"sessionGroupKey"`
	Annotation      Annotation `json:"annotation"`
	Timestamp       int64      `json:"timestamp"`
}
