package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/service/broadcast"
	"live-transcript-relay/internal/service/detector"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
)

const wait = 2 * time.Second

func TestCoordinator_GroupReceivesTranscriptThenAnnotation(t *testing.T) {
	pub := &fakePublisher{}
	h := newHarness(t, johnDetector(), pub)
	a, b := newConn("A"), newConn("B")

	sessA := h.start(t, a, "svc-001")
	h.start(t, b, "svc-001")

	sessA.result("s1", "For God so loved the world", true)

	for _, c := range []*fakeConn{a, b} {
		c.waitFor(t, wait, isTranscript("s1", true))
		n := c.waitFor(t, wait, isAnnotation("s1"))
		ann := n.Payload.(models.Annotation)
		if ann.Label != "John 3:16" || ann.Confidence != 0.95 || ann.SourceVersion != "NIV" {
			t.Errorf("%s: unexpected annotation %+v", c.id, ann)
		}

		got := c.received()
		ti, ai := indexOf(got, isTranscript("s1", true)), indexOf(got, isAnnotation("s1"))
		if ti > ai {
			t.Errorf("%s: annotation (#%d) observed before transcript (#%d)", c.id, ai, ti)
		}
	}

	// Shutdown drains the Kafka hand-off.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.transcripts) != 1 || pub.transcripts[0].SessionGroupKey != "svc-001" || pub.transcripts[0].ConnectionID != "A" {
		t.Errorf("unexpected published transcripts %+v", pub.transcripts)
	}
	if len(pub.annotations) != 1 || pub.annotations[0].Annotation.Label != "John 3:16" {
		t.Errorf("unexpected published annotations %+v", pub.annotations)
	}
}

func TestCoordinator_StreamStartedAck(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")

	h.start(t, a, "svc-001")

	started := a.ofType(models.NotifyStreamStarted)
	if len(started) != 1 {
		t.Fatalf("expected one streamStarted, got %v", types(a.received()))
	}
	st := started[0].Payload.(models.StreamStatus)
	if st.SessionGroupKey != "svc-001" || st.Timestamp == 0 {
		t.Errorf("unexpected payload %+v", st)
	}
	if h.coord.ActiveStreams() != 1 {
		t.Errorf("expected 1 active stream, got %d", h.coord.ActiveStreams())
	}
}

func TestCoordinator_MemberLeavesBeforeDetectionCompletes(t *testing.T) {
	release := make(chan struct{})
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		<-release
		return []models.Annotation{{Label: "John 3:16", Confidence: 0.95}}, nil
	})
	h := newHarness(t, det, nil)
	a, b := newConn("A"), newConn("B")
	sessA := h.start(t, a, "svc-001")
	h.start(t, b, "svc-001")

	sessA.result("s1", "For God so loved the world", true)
	b.waitFor(t, wait, isTranscript("s1", true))

	h.coord.OnDisconnect("B")
	close(release)

	a.waitFor(t, wait, isAnnotation("s1"))
	time.Sleep(20 * time.Millisecond)
	if len(b.ofType(models.NotifyReceiveAnnotation)) != 0 {
		t.Error("disconnected member received an annotation")
	}
}

func TestCoordinator_BroadcastToEmptyGroupAfterDetection(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		defer close(done)
		<-release
		return []models.Annotation{{Label: "John 3:16", Confidence: 0.95}}, nil
	})
	h := newHarness(t, det, nil)
	a := newConn("A")
	sessA := h.start(t, a, "svc-001")

	sessA.result("s1", "For God so loved the world", true)
	a.waitFor(t, wait, isTranscript("s1", true))
	h.coord.OnDisconnect("A")
	close(release)

	select {
	case <-done:
	case <-time.After(wait):
		t.Fatal("detection never completed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestCoordinator_StopStreamingIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	h.coord.StopStreaming(context.Background(), a)
	h.coord.StopStreaming(context.Background(), a)

	_, closes, disposes := sess.counts()
	if closes != 1 || disposes != 1 {
		t.Errorf("expected one close and dispose, got %d/%d", closes, disposes)
	}
	stopped := a.ofType(models.NotifyStreamStopped)
	if len(stopped) != 2 {
		t.Fatalf("expected two acknowledgements, got %d", len(stopped))
	}
	if key := stopped[0].Payload.(models.StreamStatus).SessionGroupKey; key != "svc-001" {
		t.Errorf("expected first ack for svc-001, got %q", key)
	}
	if key := stopped[1].Payload.(models.StreamStatus).SessionGroupKey; key != "" {
		t.Errorf("expected empty key without a stream, got %q", key)
	}

	h.coord.OnDisconnect("A")
	h.coord.StopStreaming(context.Background(), a)
	if _, closes, _ := sess.counts(); closes != 1 {
		t.Errorf("session closed again after disconnect: %d", closes)
	}
}

func TestCoordinator_StopKeepsGroupMembership(t *testing.T) {
	h := newHarness(t, nil, nil)
	a, b := newConn("A"), newConn("B")
	h.start(t, a, "svc-001")
	sessB := h.start(t, b, "svc-001")

	h.coord.StopStreaming(context.Background(), a)
	sessB.result("s9", "Amen", true)

	a.waitFor(t, wait, isTranscript("s9", true))
}

func TestCoordinator_DisconnectWhileAudioInFlight(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h.coord.SendAudio(context.Background(), "A", []byte{0, 1, 2, 3})
			}
		}()
	}
	time.Sleep(time.Millisecond)
	h.coord.OnDisconnect("A")
	wg.Wait()

	before, _, _ := sess.counts()
	h.coord.SendAudio(context.Background(), "A", []byte{0, 1})
	after, closes, disposes := sess.counts()
	if after != before {
		t.Errorf("audio forwarded after disconnect: %d -> %d", before, after)
	}
	if closes != 1 || disposes != 1 {
		t.Errorf("expected one close and dispose, got %d/%d", closes, disposes)
	}
	if h.coord.ActiveStreams() != 0 {
		t.Errorf("expected no active streams, got %d", h.coord.ActiveStreams())
	}
	if len(h.hub.Members("svc-001")) != 0 {
		t.Errorf("expected disconnect to leave the group, got %v", h.hub.Members("svc-001"))
	}

	h.coord.OnDisconnect("A")
}

func TestCoordinator_SendAudioForwards(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	h.coord.SendAudio(context.Background(), "A", []byte{1, 2, 3})
	h.coord.SendAudio(context.Background(), "A", nil)
	h.coord.SendAudio(context.Background(), "nobody", []byte{1})

	if audio, _, _ := sess.counts(); audio != 1 {
		t.Errorf("expected 1 forwarded chunk, got %d", audio)
	}
}

func TestCoordinator_SendAudioDropsOversizeChunks(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.coord.maxChunkBytes = 4
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	h.coord.SendAudio(context.Background(), "A", make([]byte, 5))

	if audio, _, _ := sess.counts(); audio != 0 {
		t.Errorf("expected oversize chunk dropped, got %d forwarded", audio)
	}
}

func TestCoordinator_SlowDetectionDoesNotDelayOtherConnections(t *testing.T) {
	release := make(chan struct{})
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		if req.SegmentID == "a1" {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}
		return nil, nil
	})
	h := newHarness(t, det, nil)
	t.Cleanup(func() { close(release) })
	a, b := newConn("A"), newConn("B")
	sessA := h.start(t, a, "svc-001")
	sessB := h.start(t, b, "svc-002")

	sessA.result("a1", "Turn with me to Romans chapter eight", true)
	a.waitFor(t, wait, isTranscript("a1", true))

	start := time.Now()
	sessB.result("b1", "The Lord is my shepherd", false)
	b.waitFor(t, wait, isTranscript("b1", false))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("transcript for another connection took %v", elapsed)
	}

	start = time.Now()
	sessA.result("a2", "I shall not want", false)
	a.waitFor(t, wait, isTranscript("a2", false))
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("next transcript for the same connection took %v", elapsed)
	}
}

func TestCoordinator_SecondStartTearsDownFirst(t *testing.T) {
	h := newHarness(t, nil, nil)
	a, viewer := newConn("A"), newConn("V")
	if err := h.coord.JoinSession(viewer, "svc-001"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	first := h.start(t, a, "svc-001")
	second := h.start(t, a, "svc-001")

	if _, closes, disposes := first.counts(); closes != 1 || disposes != 1 {
		t.Errorf("expected first session torn down, got close=%d dispose=%d", closes, disposes)
	}
	if _, closes, _ := second.counts(); closes != 0 {
		t.Error("second session must stay open")
	}
	if h.coord.ActiveStreams() != 1 {
		t.Errorf("expected exactly one stream, got %d", h.coord.ActiveStreams())
	}

	first.result("old", "stale", true)
	second.result("new", "fresh", true)
	viewer.waitFor(t, wait, isTranscript("new", true))
	if indexOf(viewer.received(), isTranscript("old", true)) >= 0 {
		t.Error("event from the replaced session was broadcast")
	}
}

func TestCoordinator_GroupIsolation(t *testing.T) {
	h := newHarness(t, johnDetector(), nil)
	a, other := newConn("A"), newConn("C")
	sessA := h.start(t, a, "svc-001")
	h.start(t, other, "svc-002")

	sessA.result("s1", "For God so loved the world", true)
	a.waitFor(t, wait, isAnnotation("s1"))

	if n := len(other.ofType(models.NotifyReceiveTranscript)) + len(other.ofType(models.NotifyReceiveAnnotation)); n != 0 {
		t.Errorf("member of another group received %d events", n)
	}
}

func TestCoordinator_ErrorsGoToOriginOnly(t *testing.T) {
	h := newHarness(t, nil, nil)
	a, b := newConn("A"), newConn("B")
	sessA := h.start(t, a, "svc-001")
	h.start(t, b, "svc-001")

	sessA.result("s1", "For God", false)
	b.waitFor(t, wait, isTranscript("s1", false))

	sessA.emit(stt.Failure(errors.New("upstream reset")))
	n := a.waitFor(t, wait, func(n *models.Notification) bool { return n.Type == models.NotifyStreamError })
	if msg := n.Payload.(models.StreamError).Message; msg != "upstream reset" {
		t.Errorf("unexpected error message %q", msg)
	}

	// The dropped segment never gets a final; later segments still flow.
	sessA.result("s1", "For God so loved the world", true)
	sessA.result("s2", "Amen", true)
	b.waitFor(t, wait, isTranscript("s2", true))

	if len(b.ofType(models.NotifyStreamError)) != 0 {
		t.Error("group member received the origin's error")
	}
	if indexOf(b.received(), isTranscript("s1", true)) >= 0 {
		t.Error("final broadcast for a dropped segment")
	}
	if h.coord.ActiveStreams() != 1 {
		t.Error("an upstream error must not tear the stream down")
	}
}

func TestCoordinator_OpenFailureLeavesConnectionIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.provider.openErr = errors.New("credentials rejected")
	a := newConn("A")

	err := h.coord.StartStreaming(context.Background(), a, "svc-001", "NIV")
	if !errors.Is(err, stt.ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
	if len(a.ofType(models.NotifyStreamError)) != 1 || len(a.ofType(models.NotifyStreamStarted)) != 0 {
		t.Errorf("expected a single streamError, got %v", types(a.received()))
	}
	if h.coord.ActiveStreams() != 0 {
		t.Error("connection must stay idle")
	}
	if len(h.hub.Members("svc-001")) != 0 {
		t.Error("failed start must not join the group")
	}
	h.coord.SendAudio(context.Background(), "A", []byte{1})
}

func TestCoordinator_MissingGroupKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")

	if err := h.coord.StartStreaming(context.Background(), a, "", "NIV"); !errors.Is(err, ErrMissingGroupKey) {
		t.Errorf("expected ErrMissingGroupKey, got %v", err)
	}
	if err := h.coord.JoinSession(a, ""); !errors.Is(err, ErrMissingGroupKey) {
		t.Errorf("expected ErrMissingGroupKey, got %v", err)
	}
	if len(h.provider.sessions) != 0 {
		t.Error("no session should be opened")
	}
}

func TestCoordinator_FinalityIsAPrefix(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "For", false)
	sess.result("s1", "For God", false)
	sess.result("s1", "For God so loved the world", true)
	sess.result("s1", "For God so", false)
	sess.result("s1", "For God so loved the world", true)
	sess.result("s2", "end", true)
	a.waitFor(t, wait, isTranscript("s2", true))

	var flags []bool
	for _, n := range a.ofType(models.NotifyReceiveTranscript) {
		if ev := n.Payload.(models.TranscriptEvent); ev.SegmentID == "s1" {
			flags = append(flags, ev.IsFinal)
		}
	}
	if len(flags) != 3 || flags[0] || flags[1] || !flags[2] {
		t.Errorf("expected [false false true] for s1, got %v", flags)
	}
}

func TestCoordinator_TimestampsNonDecreasing(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	for i := 0; i < 20; i++ {
		sess.result("s1", "word", false)
	}
	sess.result("s1", "words", true)
	a.waitFor(t, wait, isTranscript("s1", true))

	var prev int64
	for _, n := range a.ofType(models.NotifyReceiveTranscript) {
		ts := n.Payload.(models.TranscriptEvent).Timestamp
		if ts < prev {
			t.Fatalf("timestamp went backwards: %d < %d", ts, prev)
		}
		prev = ts
	}
}

func TestCoordinator_DetectionOnlyForNonEmptyFinals(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		mu.Lock()
		calls = append(calls, req.SegmentID)
		mu.Unlock()
		return nil, nil
	})
	h := newHarness(t, det, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "provisional", false)
	sess.result("s2", "   ", true)
	sess.result("s3", "Let us pray", true)
	a.waitFor(t, wait, isTranscript("s3", true))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_ = h.coord.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != "s3" {
		t.Errorf("expected detection only for s3, got %v", calls)
	}
}

func TestCoordinator_DetectionFailureIsContained(t *testing.T) {
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		if req.SegmentID == "boom" {
			panic("detector exploded")
		}
		return nil, &detector.Error{Op: "call", StatusCode: 500}
	})
	h := newHarness(t, det, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("boom", "first", true)
	sess.result("fail", "second", true)
	sess.result("after", "third", false)
	a.waitFor(t, wait, isTranscript("after", false))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := len(a.ofType(models.NotifyReceiveAnnotation)) + len(a.ofType(models.NotifyStreamError)); n != 0 {
		t.Errorf("detection failures must be invisible, got %v", types(a.received()))
	}
}

func TestCoordinator_InvalidAnnotationsDropped(t *testing.T) {
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		return []models.Annotation{
			{Label: "", Confidence: 0.9},
			{Label: "Romans 8:28", Confidence: 0.8},
		}, nil
	})
	h := newHarness(t, det, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "all things work together for good", true)
	a.waitFor(t, wait, isAnnotation("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_ = h.coord.Shutdown(ctx)
	if got := len(a.ofType(models.NotifyReceiveAnnotation)); got != 1 {
		t.Errorf("expected only the valid annotation, got %d", got)
	}
}

func TestCoordinator_EnrichmentSaturationSkips(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	det := detectFunc(func(ctx context.Context, req detector.Request) ([]models.Annotation, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return nil, nil
	})
	provider := &fakeProvider{}
	h := &harness{provider: provider}
	h.coord = NewCoordinator(Options{Provider: provider, Hub: broadcast.NewHub(nil), Detector: det, MaxInFlight: 1})
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "one", true)
	a.waitFor(t, wait, isTranscript("s1", true))
	sess.result("s2", "two", true)
	a.waitFor(t, wait, isTranscript("s2", true))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("expected the second job to be skipped, got %d calls", calls)
	}
}

func TestCoordinator_JoinAndLeaveSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	a, viewer := newConn("A"), newConn("V")
	sess := h.start(t, a, "svc-001")

	if err := h.coord.JoinSession(viewer, "svc-001"); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if len(viewer.ofType(models.NotifySessionJoined)) != 1 {
		t.Error("expected sessionJoined acknowledgement")
	}
	sess.result("s1", "hello", false)
	viewer.waitFor(t, wait, isTranscript("s1", false))

	h.coord.LeaveSession(viewer, "svc-001")
	sess.result("s2", "goodbye", true)
	a.waitFor(t, wait, isTranscript("s2", true))
	if indexOf(viewer.received(), isTranscript("s2", true)) >= 0 {
		t.Error("viewer received an event after leaving")
	}
}

func TestCoordinator_TeardownErrorsTolerated(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")
	sess.mu.Lock()
	sess.closeErr = errors.New("already broken")
	sess.mu.Unlock()

	h.coord.StopStreaming(context.Background(), a)

	if _, _, disposes := sess.counts(); disposes != 1 {
		t.Error("dispose must run even when close fails")
	}
	if len(a.ofType(models.NotifyStreamStopped)) != 1 {
		t.Error("expected stop acknowledgement")
	}
}

func TestCoordinator_Shutdown(t *testing.T) {
	h := newHarness(t, nil, nil)
	var sessions []*fakeSession
	for _, id := range []string{"A", "B", "C"} {
		sessions = append(sessions, h.start(t, newConn(id), "svc-001"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if h.coord.ActiveStreams() != 0 {
		t.Errorf("expected no streams, got %d", h.coord.ActiveStreams())
	}
	for i, s := range sessions {
		if _, closes, disposes := s.counts(); closes != 1 || disposes != 1 {
			t.Errorf("session %d: close=%d dispose=%d", i, closes, disposes)
		}
	}
}

func TestCoordinator_StalledPublisherDoesNotDelayAnnotations(t *testing.T) {
	pub := &stalledPublisher{}
	h := newHarnessWith(t, func(o *Options) {
		o.Detector = johnDetector()
		o.Publisher = pub
		o.PublishTimeout = 100 * time.Millisecond
	})
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "For God so loved the world", true)
	a.waitFor(t, wait, isTranscript("s1", true))
	start := time.Now()
	a.waitFor(t, wait, isAnnotation("s1"))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("annotation arrived %v after the final transcript", elapsed)
	}

	// A stalled broker must not use up enrichment slots either.
	for i := 2; i <= 5; i++ {
		seg := fmt.Sprintf("s%d", i)
		sess.result(seg, "and again", true)
		a.waitFor(t, wait, isAnnotation(seg))
	}
	if pub.calls.Load() == 0 {
		t.Error("expected the publisher to be called")
	}
}

func TestCoordinator_InvalidFinalDoesNotConsumeSegment(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.emit(stt.Transcript(stt.Result{SegmentID: "s1", Text: "bad", Confidence: 1.5, IsFinal: true}))
	sess.result("s1", "For God so loved the world", true)

	a.waitFor(t, wait, isTranscript("s1", true))
	finals := 0
	for _, n := range a.ofType(models.NotifyReceiveTranscript) {
		if ev := n.Payload.(models.TranscriptEvent); ev.IsFinal {
			finals++
			if ev.Text != "For God so loved the world" {
				t.Errorf("unexpected final %q", ev.Text)
			}
		}
	}
	if finals != 1 {
		t.Errorf("expected one final, got %d", finals)
	}
}

func TestCoordinator_MaxPartialsDropsSegment(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) {
		o.Limits = segment.Limits{MaxPartials: 2}
	})
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	for i := 0; i < 3; i++ {
		sess.result("s1", "and it came to pass", false)
	}
	sess.result("s1", "and it came to pass", true)
	sess.result("s2", "in those days", true)

	a.waitFor(t, wait, isTranscript("s2", true))
	if indexOf(a.received(), isTranscript("s1", true)) >= 0 {
		t.Error("dropped segment should not broadcast its final")
	}
	partials := 0
	for _, n := range a.ofType(models.NotifyReceiveTranscript) {
		if ev := n.Payload.(models.TranscriptEvent); ev.SegmentID == "s1" && !ev.IsFinal {
			partials++
		}
	}
	if partials != 2 {
		t.Errorf("expected 2 partials before the drop, got %d", partials)
	}
}

func TestCoordinator_MaxAudioBytesDropsOpenSegment(t *testing.T) {
	h := newHarnessWith(t, func(o *Options) {
		o.Limits = segment.Limits{MaxAudioBytes: 10}
	})
	a := newConn("A")
	sess := h.start(t, a, "svc-001")

	sess.result("s1", "grace", false)
	a.waitFor(t, wait, isTranscript("s1", false))

	h.coord.SendAudio(context.Background(), "A", make([]byte, 6))
	h.coord.SendAudio(context.Background(), "A", make([]byte, 6))

	sess.result("s1", "grace upon grace", true)
	sess.result("s2", "next", true)
	a.waitFor(t, wait, isTranscript("s2", true))
	if indexOf(a.received(), isTranscript("s1", true)) >= 0 {
		t.Error("segment over its audio budget should be dropped")
	}
	if audio, _, _ := sess.counts(); audio != 2 {
		t.Errorf("audio should still be forwarded, got %d chunks", audio)
	}
}

func TestCoordinator_StartAfterShutdownRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	a := newConn("A")
	if err := h.coord.StartStreaming(context.Background(), a, "svc-001", ""); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	a.waitFor(t, wait, func(n *models.Notification) bool { return n.Type == models.NotifyStreamError })
	if len(h.provider.sessions) != 0 {
		t.Errorf("no upstream session should be opened, got %d", len(h.provider.sessions))
	}
	if h.coord.ActiveStreams() != 0 {
		t.Errorf("expected no streams, got %d", h.coord.ActiveStreams())
	}
}
