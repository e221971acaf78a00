// Package snowflake generates unique int64 identifiers: 41 bits of
// milliseconds since a fixed epoch, 10 bits of node, 12 bits of
// per-millisecond sequence. Listings, matches, and notification
// attempts all draw IDs from one generator per process, so inserts are
// unique and roughly time-ordered without a database round trip.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	epoch int64 = 1288834974657 // ms; 2010-11-04T01:42:54Z

	nodeBits uint8 = 10
	stepBits uint8 = 12

	maxNode   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits
)

// IDGenerator hands out IDs for a single node. Safe for concurrent use.
type IDGenerator struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
}

// NewIDGenerator creates a generator for the given node. Processes
// sharing one database must use distinct node IDs.
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, errors.New("node ID out of range")
	}
	return &IDGenerator{nodeID: nodeID}, nil
}

// NextID returns the next ID. Within one millisecond IDs advance by
// sequence; an exhausted sequence spins until the next millisecond.
func (g *IDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now == g.timestamp {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			for now <= g.timestamp {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.step = 0
	}
	g.timestamp = now

	return ((now - epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
}
