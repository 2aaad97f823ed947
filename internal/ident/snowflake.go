// Package ident generates 64-bit time-ordered identifiers.
//
// An ID packs, from high to low bits:
//
//	41 bits  milliseconds since 2023-01-01 00:00:00 UTC
//	10 bits  node ID (configured, or derived from the primary MAC address)
//	 5 bits  type ID (0-31, e.g. sensor reading vs alarm event)
//	 8 bits  sequence within the millisecond (256 IDs/ms per node per type)
package ident

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

const (
	// Epoch is 2023-01-01 00:00:00 UTC in epoch milliseconds.
	Epoch = 1672531200000

	nodeIDBits = 10
	typeIDBits = 5
	seqBits    = 8

	// MaxNodeID is the largest encodable node ID.
	MaxNodeID = (1 << nodeIDBits) - 1
	// MaxTypeID is the largest encodable type ID.
	MaxTypeID = (1 << typeIDBits) - 1
	maxSeq    = (1 << seqBits) - 1

	typeIDShift    = seqBits
	nodeIDShift    = typeIDBits + seqBits
	timestampShift = nodeIDBits + typeIDBits + seqBits
)

// Well-known type IDs.
const (
	TypeReading int = 1
	TypeAlarm   int = 2
)

// ErrClockBackwards is returned when the wall clock regressed past the last
// issued ID. IDs are refused until monotonicity is restored.
var ErrClockBackwards = errors.New("ident: clock moved backwards, refusing to generate id")

// Parts holds the unpacked components of an ID.
type Parts struct {
	Timestamp int64 // epoch milliseconds
	NodeID    int64
	TypeID    int
	Sequence  int64
}

// Generator issues monotonically ordered IDs. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastTS   int64
	sequence int64
	now      func() int64 // epoch ms, swappable for tests
}

// NewGenerator creates a Generator for the given node ID. A negative nodeID
// derives one from the last 10 bits of the primary interface MAC address,
// falling back to a random value when no interface exposes one.
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 {
		nodeID = deriveNodeID()
	}
	if nodeID > MaxNodeID {
		return nil, fmt.Errorf("ident: node ID %d exceeds %d", nodeID, MaxNodeID)
	}
	return &Generator{
		nodeID: nodeID,
		lastTS: -1,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// NodeID returns the node ID this generator encodes.
func (g *Generator) NodeID() int64 { return g.nodeID }

// Next returns a fresh ID for the given type. Sequence overflow within a
// millisecond spin-waits for the next millisecond.
func (g *Generator) Next(typeID int) (int64, error) {
	if typeID < 0 || typeID > MaxTypeID {
		return 0, fmt.Errorf("ident: type ID must be 0-%d, got %d", MaxTypeID, typeID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTS {
		return 0, fmt.Errorf("%w (behind by %dms)", ErrClockBackwards, g.lastTS-ts)
	}

	if ts == g.lastTS {
		g.sequence = (g.sequence + 1) & maxSeq
		if g.sequence == 0 {
			// 256 IDs already issued this millisecond; wait out the clock.
			for ts <= g.lastTS {
				ts = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTS = ts

	id := ((ts - Epoch) << timestampShift) |
		(g.nodeID << nodeIDShift) |
		(int64(typeID) << typeIDShift) |
		g.sequence
	return id, nil
}

// Unpack splits an ID into its components.
func Unpack(id int64) Parts {
	return Parts{
		Timestamp: (id >> timestampShift) + Epoch,
		NodeID:    (id >> nodeIDShift) & MaxNodeID,
		TypeID:    int((id >> typeIDShift) & MaxTypeID),
		Sequence:  id & maxSeq,
	}
}

// deriveNodeID takes the last 10 bits of the first available hardware
// address, or a random node ID when none is found.
func deriveNodeID() int64 {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			mac := iface.HardwareAddr
			if len(mac) >= 6 {
				id := int64(mac[4])<<8 | int64(mac[5])
				return id & MaxNodeID
			}
		}
	}
	return rand.Int63n(MaxNodeID + 1)
}
