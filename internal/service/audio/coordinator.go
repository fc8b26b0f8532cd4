// Package audio relays a connection's microphone audio to an upstream speech
// session and fans the results out to the connection's session group.
//
// Per connection: Idle -> Streaming -> Closed. The registry entry is removed
// before the upstream session is closed, so audio forwarding and late
// session events stop observing a stream as soon as it is being torn down.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/logging"
	"live-transcript-relay/internal/observability/metrics"
	"live-transcript-relay/internal/schema"
	"live-transcript-relay/internal/service/broadcast"
	"live-transcript-relay/internal/service/detector"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
)

// ErrMissingGroupKey is returned when a session group key is empty.
var ErrMissingGroupKey = errors.New("sessionGroupKey is required")

// ErrShuttingDown is returned by StartStreaming once Shutdown has begun.
var ErrShuttingDown = errors.New("relay is shutting down")

// Broadcaster is the group fan-out used by the coordinator.
type Broadcaster interface {
	Join(groupKey string, m broadcast.Member) bool
	Leave(groupKey, memberID string)
	LeaveAll(memberID string)
	Broadcast(ctx context.Context, groupKey string, n *models.Notification)
}

// Publisher hands records to the downstream session store.
type Publisher interface {
	PublishTranscript(ctx context.Context, rec models.TranscriptRecord) error
	PublishAnnotation(ctx context.Context, rec models.AnnotationRecord) error
}

// Options configures a Coordinator. Provider and Hub are required.
type Options struct {
	Provider  stt.Provider
	STTConfig stt.Config
	Hub       Broadcaster
	Detector  detector.Detector
	Publisher Publisher

	OpenTimeout   time.Duration
	DetectTimeout time.Duration
	// MaxInFlight caps concurrent enrichment jobs.
	MaxInFlight int64
	// MaxChunkBytes drops larger audio chunks. Zero disables the check.
	MaxChunkBytes int
	// Limits bounds each segment; the zero value means DefaultLimits.
	Limits segment.Limits
	// HandoffBacklog caps records waiting for the publisher.
	HandoffBacklog int
	PublishTimeout time.Duration
}

// Coordinator owns every live stream of this instance.
type Coordinator struct {
	registry  *Registry
	provider  stt.Provider
	sttConfig stt.Config
	hub       Broadcaster
	validator *schema.Validator
	segments  *segment.Generator
	limits    segment.Limits
	enricher  *enricher
	handoff   *handoff

	openTimeout   time.Duration
	maxChunkBytes int
	shutting      atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.Detector == nil {
		opts.Detector = detector.Noop{}
	}
	if opts.Limits == (segment.Limits{}) {
		opts.Limits = segment.DefaultLimits()
	}

	ctx, cancel := context.WithCancel(context.Background())
	validator := schema.New()
	c := &Coordinator{
		registry:      NewRegistry(),
		provider:      opts.Provider,
		sttConfig:     opts.STTConfig,
		hub:           opts.Hub,
		validator:     validator,
		segments:      segment.New(),
		limits:        opts.Limits,
		handoff:       newHandoff(opts.Publisher, opts.HandoffBacklog, opts.PublishTimeout),
		openTimeout:   opts.OpenTimeout,
		maxChunkBytes: opts.MaxChunkBytes,
		ctx:           ctx,
		cancel:        cancel,
		log:           logging.WithComponent("coordinator"),
		metrics:       metrics.DefaultMetrics,
	}
	c.enricher = newEnricher(ctx, enricherConfig{
		detector:    opts.Detector,
		handoff:     c.handoff,
		hub:         opts.Hub,
		validator:   validator,
		timeout:     opts.DetectTimeout,
		maxInFlight: opts.MaxInFlight,
	})
	return c
}

// StartStreaming moves conn to Streaming. Any stream the connection already
// has is torn down first. If the upstream session cannot be opened the
// connection receives streamError and stays Idle.
func (c *Coordinator) StartStreaming(ctx context.Context, conn broadcast.Member, groupKey, preferredVersion string) error {
	connID := conn.ID()
	if groupKey == "" {
		conn.Send(models.StreamFailed(ErrMissingGroupKey.Error()))
		return ErrMissingGroupKey
	}
	if c.shutting.Load() {
		conn.Send(models.StreamFailed(ErrShuttingDown.Error()))
		return ErrShuttingDown
	}

	if prev, ok := c.registry.Remove(connID); ok {
		c.metrics.RecordStreamReplaced()
		c.teardown(prev, "replaced")
	}

	cfg := c.sttConfig
	cfg.NextSegmentID = func() string { return c.segments.Next(connID) }

	openCtx, cancel := context.WithTimeout(ctx, c.openTimeout)
	defer cancel()

	start := time.Now()
	session, err := c.provider.Open(openCtx, cfg)
	if err != nil {
		c.metrics.RecordStreamFailed(c.provider.Name())
		c.log.Error().Err(err).
			Str("connectionId", connID).
			Str("sessionGroupKey", groupKey).
			Msg("Failed to open upstream session")
		conn.Send(models.StreamFailed(fmt.Sprintf("failed to start transcription: %v", err)))
		return err
	}

	sc := newStreamContext(conn, groupKey, preferredVersion, session, c.limits,
		logging.WithStream(connID, groupKey, c.provider.Name()))
	if prev, ok := c.registry.Swap(sc); ok {
		// A concurrent start on the same connection won the race.
		c.metrics.RecordStreamReplaced()
		c.teardown(prev, "replaced")
	}
	// Shutdown may have swept the registry while the session was opening.
	if c.shutting.Load() {
		if c.registry.RemoveIf(sc) {
			c.teardown(sc, "shutdown")
		}
		conn.Send(models.StreamFailed(ErrShuttingDown.Error()))
		return ErrShuttingDown
	}

	c.hub.Join(groupKey, conn)
	c.metrics.RecordStreamStart(c.provider.Name(), time.Since(start).Seconds())
	sc.log.Info().Str("preferredVersion", preferredVersion).Msg("Streaming started")

	conn.Send(models.StreamStarted(groupKey, sc.timestamp()))
	go c.read(sc)
	return nil
}

// SendAudio forwards one chunk to the connection's session. Chunks for a
// connection without a stream are dropped.
func (c *Coordinator) SendAudio(ctx context.Context, connID string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	sc, ok := c.registry.Load(connID)
	if !ok {
		c.metrics.RecordAudioDropped("no_stream")
		return
	}
	if c.maxChunkBytes > 0 && len(payload) > c.maxChunkBytes {
		c.metrics.RecordAudioDropped("oversize")
		sc.log.Warn().Int("bytes", len(payload)).Msg("Audio chunk too large, dropped")
		return
	}
	if err := sc.session.SendAudio(ctx, payload); err != nil {
		c.metrics.RecordAudioDropped("session_closed")
		sc.log.Debug().Err(err).Msg("Audio chunk dropped")
		return
	}
	c.metrics.RecordAudioReceived(len(payload))

	if limit := c.limits.MaxAudioBytes; limit > 0 {
		if n := sc.segmentBytes.Add(int64(len(payload))); n > limit {
			sc.segmentBytes.Store(0)
			dropped := sc.tracker.DropOpen()
			c.metrics.RecordSegmentDropped("max_audio_bytes")
			sc.log.Warn().Int64("bytes", n).Strs("droppedSegments", dropped).
				Msg("Segment audio limit exceeded, open segments dropped")
		}
	}
}

// StopStreaming ends the connection's stream and always acknowledges with
// streamStopped. Group membership is kept until leaveSession or disconnect.
func (c *Coordinator) StopStreaming(_ context.Context, conn broadcast.Member) {
	groupKey := ""
	ts := time.Now().UnixMilli()
	if sc, ok := c.registry.Remove(conn.ID()); ok {
		groupKey = sc.GroupKey
		ts = sc.timestamp()
		c.teardown(sc, "stopped")
	}
	conn.Send(models.StreamStopped(groupKey, ts))
}

// OnDisconnect releases everything the connection held. Idempotent.
func (c *Coordinator) OnDisconnect(connID string) {
	if sc, ok := c.registry.Remove(connID); ok {
		c.teardown(sc, "disconnected")
	}
	c.hub.LeaveAll(connID)
}

// JoinSession adds a passive viewer to a session group.
func (c *Coordinator) JoinSession(conn broadcast.Member, groupKey string) error {
	if groupKey == "" {
		conn.Send(models.StreamFailed(ErrMissingGroupKey.Error()))
		return ErrMissingGroupKey
	}
	c.hub.Join(groupKey, conn)
	conn.Send(models.SessionJoined(groupKey, time.Now().UnixMilli()))
	return nil
}

// LeaveSession removes the connection from a session group.
func (c *Coordinator) LeaveSession(conn broadcast.Member, groupKey string) {
	c.hub.Leave(groupKey, conn.ID())
}

// ActiveStreams returns the number of connections currently streaming.
func (c *Coordinator) ActiveStreams() int {
	return c.registry.Len()
}

// Shutdown refuses new streams, tears down every live one, then waits for
// in-flight enrichment and the Kafka hand-off backlog until ctx is done.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutting.Store(true)

	var streams []*StreamContext
	c.registry.Range(func(sc *StreamContext) bool {
		streams = append(streams, sc)
		return true
	})
	for _, sc := range streams {
		if c.registry.RemoveIf(sc) {
			c.teardown(sc, "shutdown")
		}
	}

	err := c.enricher.wait(ctx)
	c.cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("Shutdown before enrichment drained")
		return err
	}
	if err := c.handoff.close(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Shutdown before Kafka hand-off drained")
		return err
	}
	return nil
}

// teardown closes and disposes the session once. Failures are logged and
// counted; they never fail the caller.
func (c *Coordinator) teardown(sc *StreamContext, reason string) {
	sc.teardownOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				c.metrics.RecordTeardownError()
				sc.log.Error().Interface("panic", r).Msg("Panic while closing upstream session")
			}
		}()

		sc.tracker.Close()
		if err := sc.session.Close(); err != nil {
			c.metrics.RecordTeardownError()
			sc.log.Warn().Err(err).Msg("Error closing upstream session")
		}
		sc.session.Dispose()

		elapsed := time.Since(sc.startedAt)
		c.metrics.RecordStreamEnd(elapsed.Seconds())
		sc.log.Info().Str("reason", reason).Dur("duration", elapsed).Msg("Streaming ended")
	})
}

// read is the single consumer of a session's events. It runs until the
// session closes its event channel.
func (c *Coordinator) read(sc *StreamContext) {
	for ev := range sc.session.Events() {
		if !c.registry.IsCurrent(sc) {
			c.metrics.RecordTranscriptRejected("stale_stream")
			continue
		}
		switch ev.Kind {
		case stt.EventTranscript:
			c.onTranscript(sc, ev.Result)
		case stt.EventError:
			c.onError(sc, ev.Err)
		}
	}
}

func (c *Coordinator) onTranscript(sc *StreamContext, r *stt.Result) {
	if r == nil {
		return
	}
	ev := models.TranscriptEvent{
		SegmentID:     r.SegmentID,
		Text:          r.Text,
		IsFinal:       r.IsFinal,
		Confidence:    r.Confidence,
		StartOffsetMs: r.StartOffset.Milliseconds(),
		DurationMs:    r.Duration.Milliseconds(),
		Words:         r.Words,
	}
	// Validate before Observe: a rejected final must not use up the
	// segment's only final.
	if err := c.validator.Validate(ev); err != nil {
		c.metrics.RecordTranscriptRejected("invalid")
		sc.log.Warn().Err(err).Str("segmentId", r.SegmentID).Msg("Invalid transcript dropped")
		return
	}
	if err := sc.tracker.Observe(r.SegmentID, r.IsFinal); err != nil {
		if errors.Is(err, segment.ErrSegmentLimitExceeded) {
			c.metrics.RecordSegmentDropped("limit")
			sc.log.Warn().Err(err).Str("segmentId", r.SegmentID).Msg("Segment dropped")
			return
		}
		c.metrics.RecordTranscriptRejected(rejectReason(err))
		sc.log.Debug().Err(err).Str("segmentId", r.SegmentID).Bool("isFinal", r.IsFinal).Msg("Transcript ignored")
		return
	}
	if ev.IsFinal {
		sc.segmentBytes.Store(0)
	}
	ev.Timestamp = sc.timestamp()

	c.hub.Broadcast(c.ctx, sc.GroupKey, models.ReceiveTranscript(ev))
	c.metrics.RecordTranscript(ev.IsFinal)

	if ev.IsFinal && strings.TrimSpace(ev.Text) != "" {
		segLog := logging.WithSegment(sc.ConnID, sc.GroupKey, ev.SegmentID)
		c.handoff.transcript(models.TranscriptRecord{
			SessionGroupKey: sc.GroupKey,
			ConnectionID:    sc.ConnID,
			Transcript:      ev,
		}, segLog)
		c.enricher.dispatch(job{
			connID:           sc.ConnID,
			groupKey:         sc.GroupKey,
			preferredVersion: sc.PreferredVersion,
			transcript:       ev,
			log:              segLog,
		})
	}
}

// onError reports an upstream failure to the originating connection only.
// Segments still waiting for their final are dropped.
func (c *Coordinator) onError(sc *StreamContext, err error) {
	dropped := sc.tracker.DropOpen()
	sc.log.Error().Err(err).Strs("droppedSegments", dropped).Msg("Upstream session error")
	msg := "transcription error"
	if err != nil {
		msg = err.Error()
	}
	sc.conn.Send(models.StreamFailed(msg))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, segment.ErrFinalAlreadyEmitted):
		return "duplicate_final"
	case errors.Is(err, segment.ErrCannotEmitPartialAfterFinal):
		return "partial_after_final"
	case errors.Is(err, segment.ErrSegmentClosed):
		return "segment_closed"
	default:
		return "other"
	}
}
