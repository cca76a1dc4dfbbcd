package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/signaling"
)

type stubSource struct {
	ch chan core.Frame
}

func (s *stubSource) Frames() <-chan core.Frame { return s.ch }
func (s *stubSource) Close() error              { close(s.ch); return nil }

type fakeTransport struct {
	mu     sync.Mutex
	sent   []signaling.Envelope
	events chan signaling.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan signaling.Envelope, 16)}
}

func (t *fakeTransport) Send(ctx context.Context, env signaling.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Events() <-chan signaling.Envelope { return t.events }
func (t *fakeTransport) Close() error                      { return nil }

func (t *fakeTransport) deliver(env signaling.Envelope) { t.events <- env }

func (t *fakeTransport) count(kind signaling.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, env := range t.sent {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (t *fakeTransport) find(kind signaling.Kind, target domain.UserID) *signaling.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.sent {
		if t.sent[i].Kind == kind && t.sent[i].Target == target {
			return &t.sent[i]
		}
	}
	return nil
}

type fakeConn struct {
	mu        sync.Mutex
	state     webrtc.SignalingState
	remoteSet bool
	added     []webrtc.ICECandidateInit
	closed    bool
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteSet = true
	c.state = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetRemoteAnswer(remote webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("no outstanding offer")
	}
	c.remoteSet = true
	c.state = webrtc.SignalingStateStable
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errors.New("remote description not set")
	}
	c.added = append(c.added, ci)
	return nil
}

func (c *fakeConn) RemoteDescriptionSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {}

func (c *fakeConn) OnConnectivityChange(fn func(webrtc.ICEConnectionState)) {}

func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	return nil
}

func (c *fakeConn) addedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.added)
}

type fakeEngine struct {
	mu    sync.Mutex
	conns map[domain.UserID][]*fakeConn
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{conns: make(map[domain.UserID][]*fakeConn)}
}

func (e *fakeEngine) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &fakeConn{state: webrtc.SignalingStateStable}
	e.conns[remote] = append(e.conns[remote], c)
	return c, nil
}

func (e *fakeEngine) count(remote domain.UserID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns[remote])
}

func (e *fakeEngine) last(remote domain.UserID) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.conns[remote]
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// waitFor polls until cond holds, failing the test at the deadline. The
// dispatch loop runs on its own goroutine, so assertions about its side
// effects have to wait for it.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestCoordinator(transport *fakeTransport, engine *fakeEngine) *Coordinator {
	return NewCoordinator(Config{
		Transport: transport,
		Engine:    engine,
		NewSource: func() core.AudioSource {
			return &stubSource{ch: make(chan core.Frame)}
		},
	})
}

func TestJoinValidatesIdentifiers(t *testing.T) {
	c := newTestCoordinator(newFakeTransport(), newFakeEngine())
	ctx := context.Background()

	if err := c.Join(ctx, "", "user-1"); err != domain.ErrGroupIDEmpty {
		t.Errorf("err = %v, want ErrGroupIDEmpty", err)
	}
	if err := c.Join(ctx, "42", ""); err != domain.ErrUserIDEmpty {
		t.Errorf("err = %v, want ErrUserIDEmpty", err)
	}
	if c.InSession() {
		t.Error("session active after rejected join")
	}
}

func TestJoinTwiceRejected(t *testing.T) {
	transport := newFakeTransport()
	c := newTestCoordinator(transport, newFakeEngine())
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	if err := c.Join(ctx, "43", "user-1"); !errors.Is(err, ErrAlreadyInSession) {
		t.Errorf("err = %v, want ErrAlreadyInSession", err)
	}
	if transport.count(signaling.KindJoin) != 1 {
		t.Errorf("sent %d join envelopes, want 1", transport.count(signaling.KindJoin))
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	c := newTestCoordinator(transport, newFakeEngine())
	ctx := context.Background()

	if err := c.Leave(ctx); err != nil {
		t.Errorf("leave without session: %v", err)
	}

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Errorf("leave: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Errorf("second leave: %v", err)
	}
	if c.InSession() {
		t.Error("still in session after leave")
	}
	if transport.count(signaling.KindLeave) != 1 {
		t.Errorf("sent %d leave envelopes, want 1", transport.count(signaling.KindLeave))
	}
}

func TestParticipantJoinedTriggersSingleOffer(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-2", Group: "42"})
	waitFor(t, "offer to user-2", func() bool {
		return transport.find(signaling.KindOffer, "user-2") != nil
	})

	// A repeated announcement for the same peer must not renegotiate.
	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-2", Group: "42"})
	// Our own announcement echoed back is ignored.
	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-1", Group: "42"})

	waitFor(t, "dispatch to settle", func() bool {
		return len(c.Participants()) == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := transport.count(signaling.KindOffer); n != 1 {
		t.Errorf("sent %d offers, want 1", n)
	}
	if engine.count("user-2") != 1 {
		t.Errorf("engine allocated %d connections for user-2, want 1", engine.count("user-2"))
	}
	if engine.count("user-1") != 0 {
		t.Error("connection allocated for the local participant")
	}
}

func TestCandidatesStayWithTheirPeer(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-2", Group: "42"})
	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-3", Group: "42"})
	waitFor(t, "offers to both peers", func() bool {
		return transport.find(signaling.KindOffer, "user-2") != nil &&
			transport.find(signaling.KindOffer, "user-3") != nil
	})

	// Candidates arrive before either answer; both are buffered.
	transport.deliver(signaling.Envelope{
		Kind: signaling.KindCandidate, From: "user-2", Group: "42",
		Body: signaling.Candidate{Candidate: "cand-for-2"},
	})
	transport.deliver(signaling.Envelope{
		Kind: signaling.KindCandidate, From: "user-3", Group: "42",
		Body: signaling.Candidate{Candidate: "cand-for-3"},
	})
	transport.deliver(signaling.Envelope{
		Kind: signaling.KindAnswer, From: "user-2", Group: "42",
		Body: signaling.Answer{SDP: "answer-sdp"},
	})

	waitFor(t, "user-2 candidate flush", func() bool {
		return engine.last("user-2").addedCount() == 1
	})
	if n := engine.last("user-3").addedCount(); n != 0 {
		t.Errorf("user-3 received %d candidates before its answer", n)
	}

	transport.deliver(signaling.Envelope{
		Kind: signaling.KindAnswer, From: "user-3", Group: "42",
		Body: signaling.Answer{SDP: "answer-sdp"},
	})
	waitFor(t, "user-3 candidate flush", func() bool {
		return engine.last("user-3").addedCount() == 1
	})
	if n := engine.last("user-2").addedCount(); n != 1 {
		t.Errorf("user-2 candidate count changed to %d", n)
	}
}

func TestIncomingOfferFromUnknownPeerAnswered(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	transport.deliver(signaling.Envelope{
		Kind: signaling.KindOffer, From: "user-7", Group: "42",
		Body: signaling.Offer{SDP: "their-offer"},
	})
	waitFor(t, "answer to user-7", func() bool {
		return transport.find(signaling.KindAnswer, "user-7") != nil
	})

	env := transport.find(signaling.KindAnswer, "user-7")
	if env.Group != "42" || env.From != "user-1" {
		t.Errorf("answer envelope = %+v", env)
	}
	if engine.count("user-7") != 1 {
		t.Errorf("engine allocated %d connections, want 1", engine.count("user-7"))
	}
}

func TestForeignGroupEnvelopeDropped(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	transport.deliver(signaling.Envelope{
		Kind: signaling.KindOffer, From: "user-9", Group: "99",
		Body: signaling.Offer{SDP: "their-offer"},
	})
	time.Sleep(50 * time.Millisecond)
	if engine.count("user-9") != 0 {
		t.Error("connection created for a foreign-group offer")
	}
	if transport.count(signaling.KindAnswer) != 0 {
		t.Error("answer sent for a foreign-group offer")
	}
}

func TestEndCallRemovesPeer(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	defer c.Leave(ctx)

	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-2", Group: "42"})
	waitFor(t, "peer connection", func() bool { return len(c.Participants()) == 1 })

	transport.deliver(signaling.Envelope{Kind: signaling.KindEndCall, From: "user-2", Group: "42"})
	waitFor(t, "peer removal", func() bool { return len(c.Participants()) == 0 })

	if !engine.last("user-2").closed {
		t.Error("connection not closed on end-call")
	}
}

func TestLeaveSendsEndCallPerPeer(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	transport.deliver(signaling.Envelope{Kind: signaling.KindParticipantJoined, From: "user-2", Group: "42"})
	waitFor(t, "peer connection", func() bool { return len(c.Participants()) == 1 })

	if err := c.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	if transport.find(signaling.KindEndCall, "user-2") == nil {
		t.Error("no end-call sent to user-2 on leave")
	}
	if transport.count(signaling.KindLeave) != 1 {
		t.Errorf("sent %d leave envelopes, want 1", transport.count(signaling.KindLeave))
	}
	if !engine.last("user-2").closed {
		t.Error("connection survived leave")
	}
}

func TestSignalingAfterLeaveIsNoop(t *testing.T) {
	transport := newFakeTransport()
	engine := newFakeEngine()
	c := newTestCoordinator(transport, engine)
	ctx := context.Background()

	if err := c.Join(ctx, "42", "user-1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}

	transport.deliver(signaling.Envelope{
		Kind: signaling.KindOffer, From: "user-9", Group: "42",
		Body: signaling.Offer{SDP: "their-offer"},
	})
	time.Sleep(50 * time.Millisecond)
	if engine.count("user-9") != 0 {
		t.Error("connection created after leave")
	}
	if transport.count(signaling.KindAnswer) != 0 {
		t.Error("answer sent after leave")
	}
}

func TestControlsWithoutSession(t *testing.T) {
	c := newTestCoordinator(newFakeTransport(), newFakeEngine())

	c.SetMicrophoneEnabled(false)
	if c.Level() != 0 {
		t.Errorf("level = %v without session", c.Level())
	}
	if got := c.Participants(); got != nil {
		t.Errorf("participants = %v without session", got)
	}
	if err := c.AddParticipant(context.Background(), "user-2"); !errors.Is(err, ErrNoSession) {
		t.Errorf("err = %v, want ErrNoSession", err)
	}
}
