package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/signaling"
)

// Frame is one raw audio frame (PCM16 mono) from the capture source.
type Frame []byte

// Transport is the client side of the signaling wire: one persistent
// connection per device, delivering addressed envelopes.
// Owned by the caller; the caller must Close() it.
type Transport interface {
	Send(ctx context.Context, env signaling.Envelope) error
	// Events yields decoded inbound envelopes. The channel closes when the
	// underlying connection is gone.
	Events() <-chan signaling.Envelope
	Close() error
}

// MediaConnection is one direct media link to a remote participant.
// Offer/answer/candidate operations mutate the underlying SDP state;
// completion callbacks arrive on engine-owned goroutines.
type MediaConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then creates and sets a local
	// answer.
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// SetRemoteAnswer applies the remote answer to a connection that sent
	// an offer.
	SetRemoteAnswer(remote webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	RemoteDescriptionSet() bool
	SignalingState() webrtc.SignalingState
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectivityChange(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	Close() error
}

// Engine allocates media connections, one per remote participant.
type Engine interface {
	NewConnection(remote domain.UserID) (MediaConnection, error)
}

// AudioSource supplies outbound audio frames for the local participant.
type AudioSource interface {
	Frames() <-chan Frame
	Close() error
}

// AudioSink consumes inbound remote tracks for playback.
type AudioSink interface {
	Play(from domain.UserID, track *webrtc.TrackRemote)
	Remove(from domain.UserID)
}
