// Package mock provides a scripted STT provider for local runs and tests.
// Each audio chunk releases the next provisional transcript of the current
// utterance; once its partials are exhausted the next chunk releases exactly
// one final and the session moves to the following utterance.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
)

// Utterance is a scripted utterance with progressive transcripts.
type Utterance struct {
	Partials   []string
	Final      string
	Confidence float64
}

// DefaultUtterances is the script used when a Provider has none.
var DefaultUtterances = []Utterance{
	{
		Partials:   []string{"For God", "For God so loved"},
		Final:      "For God so loved the world",
		Confidence: 0.95,
	},
	{
		Partials:   []string{"Turn with me", "Turn with me to Romans"},
		Final:      "Turn with me to Romans chapter eight",
		Confidence: 0.92,
	},
	{
		Partials:   []string{"The Lord is", "The Lord is my shepherd"},
		Final:      "The Lord is my shepherd I shall not want",
		Confidence: 0.97,
	},
	{
		Partials:   []string{"Let us pray"},
		Final:      "Let us pray together",
		Confidence: 0.9,
	},
}

const (
	providerName = "mock"
	eventBuffer  = 64
	wordDuration = 300 * time.Millisecond
)

// Provider opens scripted sessions.
type Provider struct {
	// Utterances defaults to DefaultUtterances.
	Utterances []Utterance
	// Delay postpones each event, emulating upstream latency. Zero emits
	// synchronously from SendAudio.
	Delay time.Duration
	// OpenErr makes Open fail.
	OpenErr error

	mu   sync.Mutex
	next int
}

// New returns a provider with the default script and a 50ms delay.
func New() *Provider {
	return &Provider{Delay: 50 * time.Millisecond}
}

func (p *Provider) Name() string { return providerName }

// Open starts a session at the next utterance of the script.
func (p *Provider) Open(ctx context.Context, cfg stt.Config) (stt.Session, error) {
	if p.OpenErr != nil {
		return nil, fmt.Errorf("%w: %v", stt.ErrConnect, p.OpenErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", stt.ErrConnect, err)
	}

	script := p.Utterances
	if len(script) == 0 {
		script = DefaultUtterances
	}
	p.mu.Lock()
	start := p.next % len(script)
	p.next++
	p.mu.Unlock()

	nextID := cfg.NextSegmentID
	if nextID == nil {
		gen := segment.New()
		nextID = func() string { return gen.Next(providerName) }
	}

	return &Session{
		script:  script,
		current: start,
		delay:   p.Delay,
		nextID:  nextID,
		segment: nextID(),
		events:  make(chan stt.Event, eventBuffer),
	}, nil
}

// Session is a scripted stt.Session.
type Session struct {
	mu       sync.Mutex
	script   []Utterance
	current  int
	partial  int
	delay    time.Duration
	nextID   func() string
	segment  string
	offset   time.Duration
	events   chan stt.Event
	closed   bool
	disposed bool
	dropped  int
}

func (s *Session) Events() <-chan stt.Event { return s.events }

// SendAudio releases the next scripted result.
func (s *Session) SendAudio(_ context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.disposed {
		return stt.ErrSessionClosed
	}

	utt := s.script[s.current]
	if s.partial < len(utt.Partials) {
		s.schedule(s.result(utt.Partials[s.partial], 0.5, false))
		s.partial++
		return nil
	}
	s.finishLocked()
	return nil
}

// Fail injects an upstream error event.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule(stt.Failure(err))
}

// Close flushes the final of an utterance that already produced partials.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.partial > 0 && !s.disposed {
		s.finishLocked()
	}
	return nil
}

// Dispose closes the event channel. Pending delayed events are dropped.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.closed = true
	close(s.events)
}

// Dropped returns how many events were discarded because nobody was reading.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) finishLocked() {
	utt := s.script[s.current]
	s.schedule(s.result(utt.Final, utt.Confidence, true))
	s.current = (s.current + 1) % len(s.script)
	s.partial = 0
	s.segment = s.nextID()
}

// result builds a result for the current segment with synthetic word timings.
func (s *Session) result(text string, confidence float64, final bool) stt.Event {
	fields := strings.Fields(text)
	words := make([]models.Word, 0, len(fields))
	at := s.offset
	for _, f := range fields {
		words = append(words, models.Word{
			Text:          f,
			StartOffsetMs: at.Milliseconds(),
			EndOffsetMs:   (at + wordDuration).Milliseconds(),
			Confidence:    confidence,
		})
		at += wordDuration
	}
	res := stt.Result{
		SegmentID:   s.segment,
		Text:        text,
		Confidence:  confidence,
		IsFinal:     final,
		StartOffset: s.offset,
		Duration:    at - s.offset,
		Words:       words,
	}
	if final {
		s.offset = at
	}
	return stt.Transcript(res)
}

// schedule delivers ev now or after the configured delay. Must hold mu.
func (s *Session) schedule(ev stt.Event) {
	if s.delay <= 0 {
		s.deliverLocked(ev)
		return
	}
	time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deliverLocked(ev)
	})
}

func (s *Session) deliverLocked(ev stt.Event) {
	if s.disposed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped++
	}
}
