package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/service/broadcast"
	"live-transcript-relay/internal/service/detector"
	"live-transcript-relay/internal/service/stt"
)

// fakeConn records every notification it is sent.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	notes  []*models.Notification
	notify chan struct{}
}

func newConn(id string) *fakeConn {
	return &fakeConn{id: id, notify: make(chan struct{}, 1)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(n *models.Notification) bool {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *fakeConn) received() []*models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Notification(nil), c.notes...)
}

func (c *fakeConn) ofType(typ string) []*models.Notification {
	var out []*models.Notification
	for _, n := range c.received() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// waitFor blocks until a received notification satisfies match.
func (c *fakeConn) waitFor(t *testing.T, timeout time.Duration, match func(*models.Notification) bool) *models.Notification {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, n := range c.received() {
			if match(n) {
				return n
			}
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			t.Fatalf("%s: timed out waiting for notification, got %v", c.id, types(c.received()))
			return nil
		}
	}
}

func types(ns []*models.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Type)
	}
	return out
}

func isTranscript(segmentID string, final bool) func(*models.Notification) bool {
	return func(n *models.Notification) bool {
		ev, ok := n.Payload.(models.TranscriptEvent)
		return ok && n.Type == models.NotifyReceiveTranscript && ev.SegmentID == segmentID && ev.IsFinal == final
	}
}

func isAnnotation(segmentID string) func(*models.Notification) bool {
	return func(n *models.Notification) bool {
		a, ok := n.Payload.(models.Annotation)
		return ok && n.Type == models.NotifyReceiveAnnotation && a.SegmentID == segmentID
	}
}

func indexOf(ns []*models.Notification, match func(*models.Notification) bool) int {
	for i, n := range ns {
		if match(n) {
			return i
		}
	}
	return -1
}

// fakeSession is an stt.Session driven by the test.
type fakeSession struct {
	mu       sync.Mutex
	events   chan stt.Event
	audio    int
	closes   int
	disposes int
	disposed bool
	closeErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan stt.Event, 64)}
}

func (s *fakeSession) Events() <-chan stt.Event { return s.events }

func (s *fakeSession) SendAudio(context.Context, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 || s.disposed {
		return stt.ErrSessionClosed
	}
	s.audio++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return s.closeErr
}

func (s *fakeSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposes++
	if !s.disposed {
		s.disposed = true
		close(s.events)
	}
}

func (s *fakeSession) emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.disposed {
		s.events <- ev
	}
}

func (s *fakeSession) result(segmentID, text string, final bool) {
	s.emit(stt.Transcript(stt.Result{
		SegmentID:  segmentID,
		Text:       text,
		Confidence: 0.9,
		IsFinal:    final,
		Duration:   time.Second,
	}))
}

func (s *fakeSession) counts() (audio, closes, disposes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio, s.closes, s.disposes
}

// fakeProvider hands out fakeSessions and keeps them for the test.
type fakeProvider struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(ctx context.Context, _ stt.Config) (stt.Session, error) {
	if p.openErr != nil {
		return nil, errors.Join(stt.ErrConnect, p.openErr)
	}
	s := newFakeSession()
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProvider) session(i int) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[i]
}

// detectFunc adapts a function to detector.Detector.
type detectFunc func(ctx context.Context, req detector.Request) ([]models.Annotation, error)

func (f detectFunc) Detect(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
	return f(ctx, req)
}

func johnDetector() detector.Detector {
	return detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		return []models.Annotation{{
			Label:         "John 3:16",
			MatchedText:   req.Text,
			SourceVersion: req.PreferredVersion,
			Confidence:    0.95,
		}}, nil
	})
}

// stalledPublisher blocks every call until its context ends.
type stalledPublisher struct {
	calls atomic.Int32
}

func (p *stalledPublisher) PublishTranscript(ctx context.Context, _ models.TranscriptRecord) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (p *stalledPublisher) PublishAnnotation(ctx context.Context, _ models.AnnotationRecord) error {
	p.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type fakePublisher struct {
	mu          sync.Mutex
	transcripts []models.TranscriptRecord
	annotations []models.AnnotationRecord
}

func (p *fakePublisher) PublishTranscript(_ context.Context, rec models.TranscriptRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transcripts = append(p.transcripts, rec)
	return nil
}

func (p *fakePublisher) PublishAnnotation(_ context.Context, rec models.AnnotationRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.annotations = append(p.annotations, rec)
	return nil
}

type harness struct {
	coord    *Coordinator
	provider *fakeProvider
	hub      *broadcast.Hub
}

func newHarness(t *testing.T, det detector.Detector, pub Publisher) *harness {
	t.Helper()
	return newHarnessWith(t, func(o *Options) {
		o.Detector = det
		if pub != nil {
			o.Publisher = pub
		}
	})
}

// newHarnessWith lets a test adjust the coordinator options.
func newHarnessWith(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	provider := &fakeProvider{}
	hub := broadcast.NewHub(nil)
	opts := Options{
		Provider:      provider,
		Hub:           hub,
		DetectTimeout: 3 * time.Second,
	}
	configure(&opts)
	coord := NewCoordinator(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return &harness{coord: coord, provider: provider, hub: hub}
}

func (h *harness) start(t *testing.T, conn *fakeConn, groupKey string) *fakeSession {
	t.Helper()
	if err := h.coord.StartStreaming(context.Background(), conn, groupKey, "NIV"); err != nil {
		t.Fatalf("StartStreaming(%s): %v", conn.id, err)
	}
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	return h.provider.sessions[len(h.provider.sessions)-1]
}
