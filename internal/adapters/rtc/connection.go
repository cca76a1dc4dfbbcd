package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/domain"
)

// Connection wraps a pion PeerConnection for one remote participant.
// Candidates trickle out through OnICECandidate as they are gathered;
// there is no wait for gathering to complete before an offer or answer
// is returned. Callback registration can race the engine's handler
// goroutines, so the fields are read and written under a mutex.
type Connection struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID

	mu             sync.Mutex
	onICE          func(webrtc.ICECandidateInit)
	onConnectivity func(webrtc.ICEConnectionState)
	onTrack        func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

func newConnection(pc *webrtc.PeerConnection, remote domain.UserID) *Connection {
	c := &Connection{pc: pc, remote: remote}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("ice_state", s.String()).
			Msg("ICE state")
		c.mu.Lock()
		fn := c.onConnectivity
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("remote", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return c
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteAnswer(remote webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(remote)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) RemoteDescriptionSet() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnConnectivityChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectivity = fn
}

func (c *Connection) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "rtc").Str("remote", string(c.remote)).Msg("closed")
	return nil
}
