// Package ids mints the 64-bit sortable identifiers spec §3 requires for
// every entity key (execution_id, event_id, node instance ids, ...).
//
// No library in the retrieval pack implements Snowflake-style ID generation
// (the closest candidates, google/uuid and the teacher's sha256-based
// ComputeOrderKey, produce 128-bit or non-monotonic values respectively), so
// this is a small hand-rolled generator on the standard library. See
// DESIGN.md for the dependency-justification this requires.
package ids

import (
	"fmt"
	"sync"
	"time"
)

const (
	// epoch anchors the timestamp component so 41 bits cover several decades.
	epoch = int64(1700000000000) // 2023-11-14T22:13:20Z, in milliseconds

	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	maxNode     = int64(-1) ^ (int64(-1) << nodeBits)
	maxSequence = int64(-1) ^ (int64(-1) << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

// Generator mints monotonically increasing int64 IDs, unique across all
// generators sharing distinct node IDs (e.g. one per server/worker process).
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastTime int64
	sequence int64
	now      func() time.Time
}

// NewGenerator builds a Generator for the given node ID, which must fit in
// nodeBits (0..1023). Callers typically derive nodeID from a hash of
// hostname+pid or an explicit config value.
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, fmt.Errorf("ids: node id %d out of range [0,%d]", nodeID, maxNode)
	}
	return &Generator{nodeID: nodeID, now: time.Now}, nil
}

// Next returns the next ID, blocking briefly (sub-millisecond) if the
// sequence for the current millisecond is exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UnixMilli() - epoch
	if t == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for t <= g.lastTime {
				t = g.now().UnixMilli() - epoch
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = t

	return (t << timestampShift) | (g.nodeID << nodeShift) | g.sequence
}

// Time extracts the millisecond timestamp an ID was minted at.
func Time(id int64) time.Time {
	ms := (id >> timestampShift) + epoch
	return time.UnixMilli(ms)
}
