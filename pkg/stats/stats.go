package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats counts completed I/O requests. Sizes are in KiB because the block
// size knob is expressed in KiB and the two must stay in lockstep.
type Stats struct {
	Blocks      uint64
	BlocksRead  uint64
	BlocksWrite uint64
	KiBRead     uint64
	KiBWrite    uint64
}

func (s *Stats) Add(d Stats) {
	s.Blocks += d.Blocks
	s.BlocksRead += d.BlocksRead
	s.BlocksWrite += d.BlocksWrite
	s.KiBRead += d.KiBRead
	s.KiBWrite += d.KiBWrite
}

// Sub returns the delta between two cumulative observations.
func (s Stats) Sub(o Stats) Stats {
	return Stats{
		Blocks:      s.Blocks - o.Blocks,
		BlocksRead:  s.BlocksRead - o.BlocksRead,
		BlocksWrite: s.BlocksWrite - o.BlocksWrite,
		KiBRead:     s.KiBRead - o.KiBRead,
		KiBWrite:    s.KiBWrite - o.KiBWrite,
	}
}

// One builds the unit delta for a single completed request.
func One(write bool, blockKiB uint32) Stats {
	st := Stats{Blocks: 1}
	if write {
		st.BlocksWrite = 1
		st.KiBWrite = uint64(blockKiB)
	} else {
		st.BlocksRead = 1
		st.KiBRead = uint64(blockKiB)
	}
	return st
}

// Accumulator is the controller's cumulative counter set. Counters are
// individually atomic so multi-worker engines can publish without a lock and
// the reporter can snapshot concurrently; cross-counter consistency of a
// snapshot is approximate, which is fine for rate reporting.
type Accumulator struct {
	blocks      atomic.Uint64
	blocksRead  atomic.Uint64
	blocksWrite atomic.Uint64
	kibRead     atomic.Uint64
	kibWrite    atomic.Uint64

	mu  sync.Mutex
	lat *hdrhistogram.Histogram
}

// Latency histogram bounds: 1us to 1 hour, 3 significant digits.
func NewAccumulator() *Accumulator {
	return &Accumulator{lat: hdrhistogram.New(1, 3600000000, 3)}
}

func (a *Accumulator) Add(d Stats) {
	a.blocks.Add(d.Blocks)
	a.blocksRead.Add(d.BlocksRead)
	a.blocksWrite.Add(d.BlocksWrite)
	a.kibRead.Add(d.KiBRead)
	a.kibWrite.Add(d.KiBWrite)
}

func (a *Accumulator) RecordLatency(d time.Duration) {
	a.mu.Lock()
	_ = a.lat.RecordValue(d.Microseconds())
	a.mu.Unlock()
}

func (a *Accumulator) Snapshot() Stats {
	return Stats{
		Blocks:      a.blocks.Load(),
		BlocksRead:  a.blocksRead.Load(),
		BlocksWrite: a.blocksWrite.Load(),
		KiBRead:     a.kibRead.Load(),
		KiBWrite:    a.kibWrite.Load(),
	}
}

// SwapLatency returns the latencies recorded since the previous swap and
// installs a fresh histogram for the next interval.
func (a *Accumulator) SwapLatency() *hdrhistogram.Histogram {
	fresh := hdrhistogram.New(1, 3600000000, 3)
	a.mu.Lock()
	old := a.lat
	a.lat = fresh
	a.mu.Unlock()
	return old
}
