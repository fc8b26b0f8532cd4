package audio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/metrics"
)

const (
	publishTimeout        = 5 * time.Second
	defaultHandoffBacklog = 1024
)

// record is one downstream write: exactly one of transcript and annotation
// is set.
type record struct {
	transcript *models.TranscriptRecord
	annotation *models.AnnotationRecord
	log        zerolog.Logger
}

// handoff feeds the downstream publisher from a single worker so a slow
// broker never holds up broadcasts or detection. A full backlog drops.
type handoff struct {
	publisher Publisher
	timeout   time.Duration
	queue     chan record
	done      chan struct{}
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func newHandoff(publisher Publisher, backlog int, timeout time.Duration) *handoff {
	if backlog <= 0 {
		backlog = defaultHandoffBacklog
	}
	if timeout <= 0 {
		timeout = publishTimeout
	}
	h := &handoff{
		publisher: publisher,
		timeout:   timeout,
		queue:     make(chan record, backlog),
		done:      make(chan struct{}),
		metrics:   metrics.DefaultMetrics,
	}
	if publisher == nil {
		close(h.done)
		h.closed = true
		return h
	}
	go h.loop()
	return h
}

// enqueue never blocks.
func (h *handoff) enqueue(r record) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		if h.publisher != nil {
			h.metrics.RecordHandoffDropped()
		}
		return false
	}
	select {
	case h.queue <- r:
		return true
	default:
		h.metrics.RecordHandoffDropped()
		r.log.Warn().Msg("Kafka hand-off backlog full, record dropped")
		return false
	}
}

func (h *handoff) transcript(rec models.TranscriptRecord, log zerolog.Logger) {
	h.enqueue(record{transcript: &rec, log: log})
}

func (h *handoff) annotation(rec models.AnnotationRecord, log zerolog.Logger) {
	h.enqueue(record{annotation: &rec, log: log})
}

func (h *handoff) loop() {
	defer close(h.done)
	for r := range h.queue {
		h.publish(r)
	}
}

func (h *handoff) publish(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch {
	case r.transcript != nil:
		if err := h.publisher.PublishTranscript(ctx, *r.transcript); err != nil {
			r.log.Warn().Err(err).Str("segmentId", r.transcript.Transcript.SegmentID).Msg("Failed to publish transcript")
		}
	case r.annotation != nil:
		if err := h.publisher.PublishAnnotation(ctx, *r.annotation); err != nil {
			r.log.Warn().Err(err).Str("segmentId", r.annotation.Annotation.SegmentID).Msg("Failed to publish annotation")
		}
	}
}

// close stops accepting records and waits for the backlog to drain until
// ctx is done. Idempotent.
func (h *handoff) close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.mu.Unlock()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
