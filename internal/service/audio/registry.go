package audio

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps connection ids to their live stream. Every operation is
// linearizable per key; no lock is shared across connections.
type Registry struct {
	streams *xsync.MapOf[string, *StreamContext]
}

func NewRegistry() *Registry {
	return &Registry{streams: xsync.NewMapOf[string, *StreamContext]()}
}

// Swap installs sc for its connection and returns the stream it replaced.
func (r *Registry) Swap(sc *StreamContext) (*StreamContext, bool) {
	return r.streams.LoadAndStore(sc.ConnID, sc)
}

func (r *Registry) Load(connID string) (*StreamContext, bool) {
	return r.streams.Load(connID)
}

// Remove deletes and returns the connection's stream.
func (r *Registry) Remove(connID string) (*StreamContext, bool) {
	return r.streams.LoadAndDelete(connID)
}

// RemoveIf deletes the connection's entry only while it is still sc.
func (r *Registry) RemoveIf(sc *StreamContext) bool {
	removed := false
	r.streams.Compute(sc.ConnID, func(cur *StreamContext, loaded bool) (*StreamContext, bool) {
		if !loaded {
			return nil, true
		}
		if cur != sc {
			return cur, false
		}
		removed = true
		return nil, true
	})
	return removed
}

// IsCurrent reports whether sc is still the registered stream of its connection.
func (r *Registry) IsCurrent(sc *StreamContext) bool {
	cur, ok := r.streams.Load(sc.ConnID)
	return ok && cur == sc
}

func (r *Registry) Len() int {
	return r.streams.Size()
}

// Range calls fn for every registered stream until fn returns false.
func (r *Registry) Range(fn func(sc *StreamContext) bool) {
	r.streams.Range(func(_ string, sc *StreamContext) bool {
		return fn(sc)
	})
}
