package media

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/convoyvoice/convoy/internal/core"
)

const toneHz = 440.0

// ToneSource is a synthetic capture source: 20 ms PCM16 mono frames of a
// quiet sine tone. It lets the daemon run end-to-end on machines without
// audio devices.
type ToneSource struct {
	frames chan core.Frame

	closeOnce sync.Once
	stop      chan struct{}
}

func NewToneSource() *ToneSource {
	s := &ToneSource{
		frames: make(chan core.Frame, 8),
		stop:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ToneSource) run() {
	defer close(s.frames)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * toneHz / audioClockRate

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			frame := make(core.Frame, samplesPerFrame*2)
			for i := 0; i < samplesPerFrame; i++ {
				sample := int16(math.Sin(phase) * 0.1 * 32767)
				binary.LittleEndian.PutUint16(frame[2*i:], uint16(sample))
				phase += step
			}
			select {
			case s.frames <- frame:
			default:
				// Pump is behind; drop the frame rather than stall capture.
			}
		}
	}
}

func (s *ToneSource) Frames() <-chan core.Frame {
	return s.frames
}

func (s *ToneSource) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}
