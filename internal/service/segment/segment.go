// Package segment provides segment id generation and per-segment finality tracking.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator issues segment ids that are unique for the life of the process.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

// Next returns "<owner>-seg-<n>". Safe for concurrent use.
func (g *Generator) Next(owner string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-seg-%d", owner, n)
}
