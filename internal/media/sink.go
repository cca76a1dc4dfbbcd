package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/domain"
)

// DrainSink is the playback stand-in used by the daemon: it keeps each
// remote track's receive buffer drained so the connection stays healthy,
// without routing audio anywhere. Real playback implements core.AudioSink
// the same way with a device writer behind ReadRTP.
type DrainSink struct {
	mu   sync.Mutex
	stop map[domain.UserID]chan struct{}
}

func NewDrainSink() *DrainSink {
	return &DrainSink{stop: make(map[domain.UserID]chan struct{})}
}

func (s *DrainSink) Play(from domain.UserID, track *webrtc.TrackRemote) {
	s.mu.Lock()
	if old, ok := s.stop[from]; ok {
		close(old)
	}
	stop := make(chan struct{})
	s.stop[from] = stop
	s.mu.Unlock()

	log.Info().
		Str("module", "media").
		Str("from", string(from)).
		Str("track_id", track.ID()).
		Msg("remote audio track attached")

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, _, err := track.ReadRTP(); err != nil {
				log.Info().Str("module", "media").Str("from", string(from)).Msg("remote track ended")
				return
			}
		}
	}()
}

func (s *DrainSink) Remove(from domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.stop[from]; ok {
		close(stop)
		delete(s.stop, from)
	}
}
