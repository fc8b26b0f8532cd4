package segment

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSegmentLimitExceeded is returned by the result that pushed a segment
// over one of its Limits. The segment is dropped.
var ErrSegmentLimitExceeded = errors.New("segment limit exceeded")

// Limits bounds what a single stream may hold per segment. Zero disables a
// limit.
type Limits struct {
	MaxPartials int           // provisional results before a final
	MaxDuration time.Duration // time from first result to final
	// MaxAudioBytes is enforced by the caller, which sees the audio.
	MaxAudioBytes int64
	// RetainFinished is how many finished segments stay tracked so late
	// results for them are still rejected.
	RetainFinished int
}

// DefaultLimits returns the per-segment guardrails used by the relay.
func DefaultLimits() Limits {
	return Limits{
		MaxPartials:    500,
		MaxDuration:    5 * time.Minute,
		MaxAudioBytes:  10 * 1024 * 1024, // ~5.5 minutes at 16kHz 16-bit mono
		RetainFinished: 256,
	}
}

type entry struct {
	lc        *Lifecycle
	partials  int
	firstSeen time.Time
	retired   bool
}

// Tracker keeps one Lifecycle per segment id for a single stream and decides
// whether an incoming result may be broadcast: any number of provisional
// results, then at most one final, nothing afterwards. Finished segments are
// evicted oldest first once more than Limits.RetainFinished are held.
type Tracker struct {
	mu       sync.Mutex
	limits   Limits
	segments map[string]*entry
	finished []string
	closed   bool
	now      func() time.Time
}

func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		limits:   limits,
		segments: make(map[string]*entry),
		now:      time.Now,
	}
}

// Observe validates a result for segmentId and records it.
func (t *Tracker) Observe(segmentId string, final bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSegmentClosed
	}
	e, ok := t.segments[segmentId]
	if !ok {
		e = &entry{lc: NewLifecycle(segmentId), firstSeen: t.now()}
		t.segments[segmentId] = e
	}

	if final {
		err := e.lc.EmitFinal()
		if err == nil {
			t.retireLocked(segmentId, e)
		}
		return err
	}

	if err := e.lc.EmitPartial(); err != nil {
		return err
	}
	e.partials++
	if reason := t.exceededLocked(e); reason != "" {
		e.lc.Drop()
		t.retireLocked(segmentId, e)
		return fmt.Errorf("%w: %s", ErrSegmentLimitExceeded, reason)
	}
	return nil
}

func (t *Tracker) exceededLocked(e *entry) string {
	if t.limits.MaxPartials > 0 && e.partials > t.limits.MaxPartials {
		return fmt.Sprintf("max partials %d", t.limits.MaxPartials)
	}
	if t.limits.MaxDuration > 0 && t.now().Sub(e.firstSeen) > t.limits.MaxDuration {
		return fmt.Sprintf("max duration %v", t.limits.MaxDuration)
	}
	return ""
}

// retireLocked queues a finished segment for eviction.
func (t *Tracker) retireLocked(segmentId string, e *entry) {
	if e.retired {
		return
	}
	e.retired = true
	t.finished = append(t.finished, segmentId)
	if t.limits.RetainFinished <= 0 {
		return
	}
	for len(t.finished) > t.limits.RetainFinished {
		delete(t.segments, t.finished[0])
		t.finished = t.finished[1:]
	}
}

// DropOpen drops every segment still waiting for its final and returns their ids.
func (t *Tracker) DropOpen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	for id, e := range t.segments {
		if e.lc.IsOpen() && e.lc.Drop() {
			dropped = append(dropped, id)
			t.retireLocked(id, e)
		}
	}
	return dropped
}

// Close closes every segment; later Observe calls fail with ErrSegmentClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, e := range t.segments {
		e.lc.Close()
	}
}

// Len returns the number of segments currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}
