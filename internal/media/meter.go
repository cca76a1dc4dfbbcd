package media

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

// Meter exposes a continuous outbound amplitude sample in [0,1].
// Observe is called from the fan-out pump; Level from anywhere.
type Meter struct {
	bits atomic.Uint64
}

// Observe computes the RMS amplitude of a PCM16 little-endian mono frame.
func (m *Meter) Observe(frame []byte) {
	n := len(frame) / 2
	if n == 0 {
		m.bits.Store(0)
		return
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		f := float64(s) / 32768.0
		sum += f * f
	}
	level := math.Sqrt(sum / float64(n))
	if level > 1 {
		level = 1
	}
	m.bits.Store(math.Float64bits(level))
}

func (m *Meter) Level() float64 {
	return math.Float64frombits(m.bits.Load())
}
