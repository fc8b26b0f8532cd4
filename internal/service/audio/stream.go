package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"live-transcript-relay/internal/service/broadcast"
	"live-transcript-relay/internal/service/segment"
	"live-transcript-relay/internal/service/stt"
)

// StreamContext binds one connection's upstream session to its session group.
type StreamContext struct {
	ConnID           string
	GroupKey         string
	PreferredVersion string

	conn      broadcast.Member
	session   stt.Session
	tracker   *segment.Tracker
	log       zerolog.Logger
	startedAt time.Time

	lastTimestamp atomic.Int64
	// segmentBytes counts audio sent since the last accepted final.
	segmentBytes atomic.Int64
	teardownOnce sync.Once
}

func newStreamContext(conn broadcast.Member, groupKey, version string, session stt.Session, limits segment.Limits, log zerolog.Logger) *StreamContext {
	return &StreamContext{
		ConnID:           conn.ID(),
		GroupKey:         groupKey,
		PreferredVersion: version,
		conn:             conn,
		session:          session,
		tracker:          segment.NewTracker(limits),
		log:              log,
		startedAt:        time.Now(),
	}
}

// timestamp returns unix milliseconds, never lower than a previous call.
func (sc *StreamContext) timestamp() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := sc.lastTimestamp.Load()
		if now <= prev {
			return prev
		}
		if sc.lastTimestamp.CompareAndSwap(prev, now) {
			return now
		}
	}
}
