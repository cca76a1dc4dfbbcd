package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/convoyvoice/convoy/internal/domain"
)

type EventKind int

const (
	// EventLocalCandidate carries a locally gathered candidate that must
	// be relayed to the remote participant.
	EventLocalCandidate EventKind = iota
	// EventAudioReady fires when a connection first reaches
	// connected/completed.
	EventAudioReady
	// EventConnectivityFailed fires when a connection reaches failed.
	// Failure isolation is per connection; other peers are untouched.
	EventConnectivityFailed
	// EventStalled fires when a connection missed the negotiation
	// deadline and was torn down.
	EventStalled
)

// Event is a completion signal from the connection engine, reported back
// into the coordinator's dispatch loop.
type Event struct {
	Kind      EventKind
	Remote    domain.UserID
	Candidate webrtc.ICECandidateInit
	Err       error
}
