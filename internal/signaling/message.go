// Package signaling defines the typed envelope exchanged over the relay.
// Payloads form a closed sum type so the rest of the code never touches
// raw JSON: decoding happens exactly once at the transport boundary.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/convoyvoice/convoy/internal/domain"
)

type Kind string

const (
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindCandidate         Kind = "candidate"
	KindEndCall           Kind = "end-call"
	KindParticipantJoined Kind = "participant-joined"
	KindParticipantLeft   Kind = "participant-left"
	KindPing              Kind = "ping"
	KindPong              Kind = "pong"
	KindError             Kind = "error"
)

var (
	ErrUnknownKind = errors.New("unknown signal kind")
	ErrBadPayload  = errors.New("bad signal payload")
)

// Payload is the closed set of signaling payloads.
type Payload interface {
	kind() Kind
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid"`
}

type EndCall struct{}

type Error struct {
	Reason string `json:"reason"`
}

func (Offer) kind() Kind     { return KindOffer }
func (Answer) kind() Kind    { return KindAnswer }
func (Candidate) kind() Kind { return KindCandidate }
func (EndCall) kind() Kind   { return KindEndCall }
func (Error) kind() Kind     { return KindError }

// Envelope is one addressed signaling message. Target is empty for
// room-scoped kinds (join, leave, participant events, ping/pong).
type Envelope struct {
	Kind   Kind
	From   domain.UserID
	Target domain.UserID
	Group  domain.GroupID
	Body   Payload
}

// wire is the JSON shape on the socket.
type wire struct {
	Type    Kind            `json:"type"`
	From    domain.UserID   `json:"from,omitempty"`
	Target  domain.UserID   `json:"target,omitempty"`
	Group   domain.GroupID  `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(env Envelope) ([]byte, error) {
	w := wire{
		Type:   env.Kind,
		From:   env.From,
		Target: env.Target,
		Group:  env.Group,
	}
	if env.Body != nil {
		if env.Body.kind() != env.Kind {
			return nil, fmt.Errorf("%w: payload %q does not match kind %q", ErrBadPayload, env.Body.kind(), env.Kind)
		}
		b, err := json.Marshal(env.Body)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		w.Payload = b
	}
	return json.Marshal(w)
}

func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	env := Envelope{
		Kind:   w.Type,
		From:   w.From,
		Target: w.Target,
		Group:  w.Group,
	}

	switch w.Type {
	case KindOffer:
		var p Offer
		if err := unmarshalBody(w.Payload, &p); err != nil {
			return Envelope{}, err
		}
		env.Body = p
	case KindAnswer:
		var p Answer
		if err := unmarshalBody(w.Payload, &p); err != nil {
			return Envelope{}, err
		}
		env.Body = p
	case KindCandidate:
		var p Candidate
		if err := unmarshalBody(w.Payload, &p); err != nil {
			return Envelope{}, err
		}
		env.Body = p
	case KindEndCall:
		env.Body = EndCall{}
	case KindError:
		var p Error
		if err := unmarshalBody(w.Payload, &p); err != nil {
			return Envelope{}, err
		}
		env.Body = p
	case KindJoin, KindLeave, KindParticipantJoined, KindParticipantLeft, KindPing, KindPong:
		// No body beyond the envelope fields.
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
	return env, nil
}

func unmarshalBody(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
