package shape

import (
	"github.com/runningwild/grind/pkg/config"
	"github.com/runningwild/grind/pkg/randomizer"
)

// AccessParams describes one I/O request: where, how much, and whether it is
// a write that must be followed by a flush.
type AccessParams struct {
	Offset int64
	Size   int64
	Write  bool
	Flush  bool
}

// Shaper turns the live knob set into a stream of access parameters. The
// sequential cursor and the flush watermark are its only state. Single-worker
// engines use it unlocked; multi-worker engines call Activate once so that
// Next becomes safe for concurrent use.
type Shaper struct {
	lk  Lock
	cfg *config.Config
	rnd *randomizer.Randomizer

	curBlock         uint64
	writesSinceFlush uint64
}

func New(cfg *config.Config) *Shaper {
	return &Shaper{cfg: cfg, rnd: randomizer.New()}
}

// NewSeeded is used by tests that need a reproducible access stream.
func NewSeeded(cfg *config.Config, seed int64) *Shaper {
	return &Shaper{cfg: cfg, rnd: randomizer.NewSeeded(seed)}
}

// Activate turns on the internal lock. Must be called before the first
// concurrent Next.
func (s *Shaper) Activate() { s.lk.Activate() }

// Rebuild invalidates the sequential cursor after a geometry change so the
// next sequential access restarts at offset zero.
func (s *Shaper) Rebuild() {
	s.lk.Lock()
	s.curBlock = ^uint64(0)
	s.lk.Unlock()
}

// Next draws the parameters for one request from the current knob values.
func (s *Shaper) Next() AccessParams {
	blockKiB := s.cfg.BlockSizeKiB()
	blockBytes := blockKiB * 1024
	fileBlocks := s.cfg.FilesizeMiB() * 1024 / blockKiB
	if fileBlocks == 0 {
		fileBlocks = 1
	}

	s.lk.Lock()
	var p AccessParams
	p.Size = int64(blockBytes)
	p.Write = s.rnd.Ratio(s.cfg.WriteRatio())

	if s.rnd.Ratio(s.cfg.RandomRatio()) {
		p.Offset = int64(s.rnd.Uint64n(fileBlocks) * blockBytes)
	} else {
		if s.curBlock >= fileBlocks {
			s.curBlock = 0
		}
		p.Offset = int64(s.curBlock * blockBytes)
		s.curBlock++
	}

	if p.Write {
		s.writesSinceFlush++
		if fb := s.cfg.FlushBlocks(); fb > 0 && s.writesSinceFlush >= fb {
			p.Flush = true
			s.writesSinceFlush = 0
		}
	}
	s.lk.Unlock()
	return p
}
