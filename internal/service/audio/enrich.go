package audio

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/metrics"
	"live-transcript-relay/internal/schema"
	"live-transcript-relay/internal/service/detector"
)

const (
	defaultDetectTimeout = 5 * time.Second
	defaultMaxInFlight   = 64
)

// job is one final transcript awaiting enrichment.
type job struct {
	connID           string
	groupKey         string
	preferredVersion string
	transcript       models.TranscriptEvent
	log              zerolog.Logger
}

type enricherConfig struct {
	detector    detector.Detector
	handoff     *handoff
	hub         Broadcaster
	validator   *schema.Validator
	timeout     time.Duration
	maxInFlight int64
}

// enricher runs detection for final transcripts off the transcript path.
// Jobs run detached from the connection: a disconnect does not cancel them,
// and their broadcasts go to whoever is still in the group.
type enricher struct {
	enricherConfig
	ctx     context.Context
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	metrics *metrics.Metrics
}

func newEnricher(ctx context.Context, cfg enricherConfig) *enricher {
	if cfg.timeout <= 0 {
		cfg.timeout = defaultDetectTimeout
	}
	if cfg.maxInFlight <= 0 {
		cfg.maxInFlight = defaultMaxInFlight
	}
	return &enricher{
		enricherConfig: cfg,
		ctx:            ctx,
		sem:            semaphore.NewWeighted(cfg.maxInFlight),
		metrics:        metrics.DefaultMetrics,
	}
}

// dispatch starts j in its own goroutine and returns immediately. When the
// in-flight cap is reached the job is skipped.
func (e *enricher) dispatch(j job) bool {
	if !e.sem.TryAcquire(1) {
		e.metrics.RecordDetection("skipped", 0)
		j.log.Warn().Str("segmentId", j.transcript.SegmentID).Msg("Enrichment saturated, segment skipped")
		return false
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				e.metrics.RecordEnrichmentPanic()
				j.log.Error().
					Interface("panic", r).
					Str("segmentId", j.transcript.SegmentID).
					Bytes("stack", debug.Stack()).
					Msg("Recovered panic in enrichment")
			}
		}()
		e.run(j)
	}()
	return true
}

func (e *enricher) run(j job) {
	seg := j.transcript.SegmentID

	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	start := time.Now()
	annotations, err := e.detector.Detect(ctx, detector.Request{
		Text:             j.transcript.Text,
		SegmentID:        seg,
		PreferredVersion: j.preferredVersion,
	})
	cancel()
	latency := time.Since(start)
	if err != nil {
		e.metrics.RecordDetection("error", latency.Seconds())
		j.log.Warn().Err(err).Str("segmentId", seg).Dur("latency", latency).Msg("Reference detection failed")
		return
	}
	e.metrics.RecordDetection("success", latency.Seconds())

	for _, a := range annotations {
		a.SegmentID = seg
		if err := e.validator.Validate(a); err != nil {
			j.log.Warn().Err(err).Str("segmentId", seg).Str("label", a.Label).Msg("Invalid annotation dropped")
			continue
		}
		e.hub.Broadcast(e.ctx, j.groupKey, models.ReceiveAnnotation(a))
		e.metrics.RecordAnnotation()
		e.handoff.annotation(models.AnnotationRecord{
			SessionGroupKey: j.groupKey,
			Annotation:      a,
			Timestamp:       time.Now().UnixMilli(),
		}, j.log)
	}
	if len(annotations) > 0 {
		j.log.Debug().Str("segmentId", seg).Int("annotations", len(annotations)).Msg("Annotations broadcast")
	}
}

// wait blocks until every job finished or ctx is done.
func (e *enricher) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
