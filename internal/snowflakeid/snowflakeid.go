// Package snowflakeid generates monotonic, globally unique 64-bit ids used
// for events and the command ids derived from them. Layout mirrors the
// classic Twitter snowflake: 41 bits of millisecond epoch offset, 10 bits of
// node id, 12 bits of per-millisecond sequence.
package snowflakeid

import (
	"fmt"
	"sync"
	"time"
)

const (
	epoch         int64 = 1700000000000 // 2023-11-14T22:13:20Z, arbitrary fixed epoch
	nodeBits      uint  = 10
	sequenceBits  uint  = 12
	maxNode       int64 = -1 ^ (-1 << nodeBits)
	maxSequence   int64 = -1 ^ (-1 << sequenceBits)
	nodeShift           = sequenceBits
	timestampShift      = sequenceBits + nodeBits
)

// Generator mints ids. It is process-wide but carries no package-level
// global state: callers construct one in main and pass it explicitly.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastTime int64
	sequence int64
}

// New builds a Generator for the given node id (0..1023), distinguishing
// concurrent processes sharing a clock source.
func New(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("snowflakeid: node id %d out of range [0, %d]", node, maxNode)
	}
	return &Generator{node: node}, nil
}

// Next returns the next id, blocking briefly if the local clock has not
// advanced since the last id minted within the same millisecond and the
// sequence counter has wrapped.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return ((now - epoch) << timestampShift) | (g.node << nodeShift) | g.sequence
}

// Time extracts the minting timestamp embedded in an id.
func Time(id int64) time.Time {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms)
}
