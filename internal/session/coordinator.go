// Package session maps group join/leave and participant events onto the
// peer connection manager. At most one session is active per device.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/media"
	"github.com/convoyvoice/convoy/internal/mesh"
	"github.com/convoyvoice/convoy/internal/signaling"
)

var (
	ErrAlreadyInSession = errors.New("already in session")
	ErrNoSession        = errors.New("no active session")
)

type Config struct {
	Transport core.Transport
	Engine    core.Engine
	// NewSource is called once per join; the source is released on leave.
	NewSource func() core.AudioSource
	Sink      core.AudioSink

	CandidateTTL       time.Duration
	NegotiationTimeout time.Duration

	// Per-peer status callbacks. Connectivity failures surface here as a
	// passive indicator; they never interrupt other peers' audio.
	OnPeerAudioReady func(remote domain.UserID)
	OnPeerError      func(remote domain.UserID, err error)
}

type activeSession struct {
	group   domain.GroupID
	local   domain.UserID
	fanout  *media.Fanout
	manager *mesh.Manager
	events  chan mesh.Event
	cancel  context.CancelFunc
	done    chan struct{}
}

// Coordinator is the entry/exit point for group voice. It owns the
// active session and runs the single dispatch loop that consumes both
// inbound signaling and engine completion events, which is what
// serializes all per-peer signaling work.
type Coordinator struct {
	cfg Config

	mu   sync.Mutex
	sess *activeSession
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg}
}

// Join creates the session, announces the device to the group room, and
// starts the dispatch loop. Remote participants arrive via subsequent
// participant-joined events; no roster is needed at join time.
func (c *Coordinator) Join(ctx context.Context, group domain.GroupID, local domain.UserID) error {
	if err := domain.ValidateGroupID(group); err != nil {
		return err
	}
	if err := domain.ValidateUserID(local); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrAlreadyInSession
	}

	fanout := media.NewFanout(c.cfg.NewSource())
	events := make(chan mesh.Event, 64)
	manager := mesh.NewManager(mesh.Config{
		Engine:             c.cfg.Engine,
		Fanout:             fanout,
		Sink:               c.cfg.Sink,
		Events:             events,
		CandidateTTL:       c.cfg.CandidateTTL,
		NegotiationTimeout: c.cfg.NegotiationTimeout,
	})

	if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
		Kind:  signaling.KindJoin,
		From:  local,
		Group: group,
	}); err != nil {
		fanout.Stop()
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &activeSession{
		group:   group,
		local:   local,
		fanout:  fanout,
		manager: manager,
		events:  events,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	fanout.Start(sessCtx)
	go c.dispatch(sessCtx, sess)

	c.sess = sess
	log.Info().
		Str("module", "session").
		Str("group", string(group)).
		Str("user", string(local)).
		Msg("joined session")
	return nil
}

// Leave is idempotent: it sends best-effort end-call messages, tears
// down every connection, and releases the capture source. Signaling that
// arrives for a since-removed peer after this is a no-op.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}

	for _, remote := range sess.manager.Peers() {
		// Best-effort, not retried.
		if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
			Kind:   signaling.KindEndCall,
			From:   sess.local,
			Target: remote,
			Group:  sess.group,
			Body:   signaling.EndCall{},
		}); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("remote", string(remote)).Msg("end-call send failed")
		}
	}
	if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
		Kind:  signaling.KindLeave,
		From:  sess.local,
		Group: sess.group,
	}); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("leave send failed")
	}

	sess.cancel()
	<-sess.done
	sess.manager.CloseAll()
	sess.fanout.Stop()

	log.Info().Str("module", "session").Str("group", string(sess.group)).Msg("left session")
	return nil
}

// AddParticipant creates the connection for a new remote participant and
// sends it an offer. Ignored when a connection for the id already exists.
func (c *Coordinator) AddParticipant(ctx context.Context, remote domain.UserID) error {
	sess := c.current()
	if sess == nil {
		return ErrNoSession
	}
	return c.addParticipant(ctx, sess, remote)
}

func (c *Coordinator) addParticipant(ctx context.Context, sess *activeSession, remote domain.UserID) error {
	if remote == sess.local {
		return nil
	}
	created, err := sess.manager.CreateConnection(remote)
	if err != nil {
		c.peerError(remote, err)
		return err
	}
	if !created {
		return nil
	}

	offer, err := sess.manager.CreateOffer(remote)
	if offer == nil {
		// Negotiation error: do not send, leave the connection for the
		// next retry.
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Str("remote", string(remote)).Msg("offer not sent")
		}
		return nil
	}
	return c.cfg.Transport.Send(ctx, signaling.Envelope{
		Kind:   signaling.KindOffer,
		From:   sess.local,
		Target: remote,
		Group:  sess.group,
		Body:   signaling.Offer{SDP: offer.SDP},
	})
}

// RemoveParticipant sends end-call and tears down the connection,
// dropping any buffered candidates for it.
func (c *Coordinator) RemoveParticipant(ctx context.Context, remote domain.UserID) error {
	sess := c.current()
	if sess == nil {
		return ErrNoSession
	}
	if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
		Kind:   signaling.KindEndCall,
		From:   sess.local,
		Target: remote,
		Group:  sess.group,
		Body:   signaling.EndCall{},
	}); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("remote", string(remote)).Msg("end-call send failed")
	}
	sess.manager.RemoveConnection(remote)
	return nil
}

// SetMicrophoneEnabled toggles outbound audio on all connections.
func (c *Coordinator) SetMicrophoneEnabled(enabled bool) {
	if sess := c.current(); sess != nil {
		sess.manager.SetMicrophoneEnabled(enabled)
	}
}

// Level reports the current outbound amplitude sample in [0,1].
func (c *Coordinator) Level() float64 {
	if sess := c.current(); sess != nil {
		return sess.fanout.Level()
	}
	return 0
}

// Participants returns the remote ids with a live connection.
func (c *Coordinator) Participants() []domain.UserID {
	if sess := c.current(); sess != nil {
		return sess.manager.Peers()
	}
	return nil
}

func (c *Coordinator) InSession() bool {
	return c.current() != nil
}

func (c *Coordinator) current() *activeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// dispatch is the single consumer of inbound signaling and engine
// completion events for one session. Per-peer ordering follows from
// processing one event at a time.
func (c *Coordinator) dispatch(ctx context.Context, sess *activeSession) {
	defer close(sess.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.cfg.Transport.Events():
			if !ok {
				log.Warn().Str("module", "session").Msg("transport closed, dispatch stopping")
				return
			}
			c.handleEnvelope(ctx, sess, env)
		case ev := <-sess.events:
			c.handleMeshEvent(ctx, sess, ev)
		}
	}
}

func (c *Coordinator) handleEnvelope(ctx context.Context, sess *activeSession, env signaling.Envelope) {
	if env.Group != "" && env.Group != sess.group {
		log.Warn().
			Str("module", "session").
			Str("group", string(env.Group)).
			Msg("envelope for foreign group, dropped")
		return
	}

	switch env.Kind {
	case signaling.KindOffer:
		body, ok := env.Body.(signaling.Offer)
		if !ok {
			return
		}
		// An offer from an unknown peer is how that peer adds us.
		if !sess.manager.Has(env.From) {
			if _, err := sess.manager.CreateConnection(env.From); err != nil {
				c.peerError(env.From, err)
				return
			}
		}
		answer, err := sess.manager.HandleRemoteOffer(env.From, body.SDP)
		if err != nil {
			c.peerError(env.From, err)
			return
		}
		if answer == nil {
			return
		}
		if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
			Kind:   signaling.KindAnswer,
			From:   sess.local,
			Target: env.From,
			Group:  sess.group,
			Body:   signaling.Answer{SDP: answer.SDP},
		}); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("remote", string(env.From)).Msg("answer send failed")
		}

	case signaling.KindAnswer:
		body, ok := env.Body.(signaling.Answer)
		if !ok {
			return
		}
		if err := sess.manager.HandleRemoteAnswer(env.From, body.SDP); err != nil {
			c.peerError(env.From, err)
		}

	case signaling.KindCandidate:
		body, ok := env.Body.(signaling.Candidate)
		if !ok {
			return
		}
		mid := body.SDPMid
		idx := body.SDPMLineIndex
		sess.manager.AddCandidate(env.From, webrtc.ICECandidateInit{
			Candidate:     body.Candidate,
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		})

	case signaling.KindEndCall:
		sess.manager.RemoveConnection(env.From)

	case signaling.KindParticipantJoined:
		if err := c.addParticipant(ctx, sess, env.From); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("remote", string(env.From)).Msg("add participant")
		}

	case signaling.KindParticipantLeft:
		sess.manager.RemoveConnection(env.From)

	case signaling.KindPong:

	case signaling.KindError:
		if body, ok := env.Body.(signaling.Error); ok {
			log.Warn().Str("module", "session").Str("reason", body.Reason).Msg("relay error")
		}

	default:
		log.Warn().Str("module", "session").Str("kind", string(env.Kind)).Msg("unexpected envelope kind")
	}
}

func (c *Coordinator) handleMeshEvent(ctx context.Context, sess *activeSession, ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventLocalCandidate:
		body := signaling.Candidate{Candidate: ev.Candidate.Candidate}
		if ev.Candidate.SDPMid != nil {
			body.SDPMid = *ev.Candidate.SDPMid
		}
		if ev.Candidate.SDPMLineIndex != nil {
			body.SDPMLineIndex = *ev.Candidate.SDPMLineIndex
		}
		if err := c.cfg.Transport.Send(ctx, signaling.Envelope{
			Kind:   signaling.KindCandidate,
			From:   sess.local,
			Target: ev.Remote,
			Group:  sess.group,
			Body:   body,
		}); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("remote", string(ev.Remote)).Msg("candidate send failed")
		}

	case mesh.EventAudioReady:
		log.Info().Str("module", "session").Str("remote", string(ev.Remote)).Msg("peer audio ready")
		if c.cfg.OnPeerAudioReady != nil {
			c.cfg.OnPeerAudioReady(ev.Remote)
		}

	case mesh.EventConnectivityFailed, mesh.EventStalled:
		c.peerError(ev.Remote, ev.Err)
	}
}

func (c *Coordinator) peerError(remote domain.UserID, err error) {
	log.Warn().Err(err).Str("module", "session").Str("remote", string(remote)).Msg("peer error")
	if c.cfg.OnPeerError != nil {
		c.cfg.OnPeerError(remote, err)
	}
}
