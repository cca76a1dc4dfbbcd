package mesh

import "github.com/pion/webrtc/v4"

// inbound classifies the signaling events that can hit a connection's SDP
// state machine.
type inbound int

const (
	inboundOffer inbound = iota
	inboundAnswer
)

// action is the recovery decision for one (signaling state, inbound
// event) cell. A connection that would enter an inconsistent SDP state is
// recreated, never repaired in place.
type action int

const (
	actionApply action = iota
	actionDrop
	actionRecreate
)

// signalingTransitions is the explicit transition table. The interesting
// cell is (have-local-offer, offer): both sides raced to offer (glare),
// and the only safe move is a fresh connection that answers the remote
// offer.
var signalingTransitions = map[webrtc.SignalingState]map[inbound]action{
	webrtc.SignalingStateStable: {
		inboundOffer:  actionApply,
		inboundAnswer: actionDrop, // answer with no outstanding offer
	},
	webrtc.SignalingStateHaveLocalOffer: {
		inboundOffer:  actionRecreate, // glare
		inboundAnswer: actionApply,
	},
	webrtc.SignalingStateHaveRemoteOffer: {
		inboundOffer:  actionDrop, // duplicate offer while answering
		inboundAnswer: actionDrop,
	},
}

func decide(state webrtc.SignalingState, ev inbound) action {
	if byEvent, ok := signalingTransitions[state]; ok {
		if act, ok := byEvent[ev]; ok {
			return act
		}
	}
	// closed, pranswer states: nothing to apply.
	return actionDrop
}
