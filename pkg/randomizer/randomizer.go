package randomizer

import (
	"encoding/binary"
	"math/rand"
	"time"
)

// ratioPrecision is the resolution of Ratio draws: a ratio is quantized
// to 1/1024 steps.
const ratioPrecision = 1024

// Randomizer produces the randomness used by the request shaper and by the
// engines to fill write buffers. It is not safe for concurrent use; each
// worker owns its own instance.
type Randomizer struct {
	r32 *rand.Rand
	r64 *rand.Rand
}

func New() *Randomizer {
	seed := time.Now().UnixNano()
	return NewSeeded(seed)
}

// NewSeeded is used by tests that need reproducible draws.
func NewSeeded(seed int64) *Randomizer {
	return &Randomizer{
		r32: rand.New(rand.NewSource(seed)),
		r64: rand.New(rand.NewSource(seed)),
	}
}

// Ratio draws a Bernoulli sample that is true with probability ratio.
// ratio is expected in [0,1]; values outside saturate.
func (r *Randomizer) Ratio(ratio float64) bool {
	if ratio <= 0 {
		return false
	}
	return uint32(r.r32.Intn(ratioPrecision)) < uint32(ratio*ratioPrecision)
}

// Uint64n draws uniformly from [0, n).
func (r *Randomizer) Uint64n(n uint64) uint64 {
	return uint64(r.r64.Int63n(int64(n)))
}

// FillBuffer overwrites the whole buffer with random 64-bit words.
func (r *Randomizer) FillBuffer(b []byte) {
	r.FillBufferStride(b, 1)
}

// FillBufferStride writes a random 64-bit word at every step-th word
// position, starting at a random index within the first stride. With
// step == 20 roughly 5% of the buffer is refreshed, which is enough to
// defeat device-level compression between repeated writes.
func (r *Randomizer) FillBufferStride(b []byte, step int) {
	words := len(b) / 8
	first := 0
	if step > 1 {
		first = int(r.r64.Int63n(int64(step)))
	}
	for i := first; i < words; i += step {
		binary.LittleEndian.PutUint64(b[i*8:], r.r64.Uint64())
	}
}
