// Package mesh owns the full mesh of peer connections for one group
// session: creation, offer/answer exchange, candidate buffering, and
// teardown. One connection per remote participant, keyed by user id.
package mesh

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/media"
)

var (
	ErrConnectionCreationFailed = errors.New("connection creation failed")
	ErrSdpNegotiationFailed     = errors.New("sdp negotiation failed")
	ErrConnectivityFailed       = errors.New("peer connectivity failed")
	ErrNegotiationStalled       = errors.New("negotiation stalled")
	ErrNoConnection             = errors.New("no connection for remote")
)

type connEntry struct {
	conn      core.MediaConnection
	out       *media.OutTrack
	createdAt time.Time
	connected bool
	stall     *time.Timer
	// epoch distinguishes this connection instance from an earlier one
	// for the same remote id, so late engine completions for a removed or
	// recreated connection are no-ops.
	epoch uint64
}

type Config struct {
	Engine core.Engine
	Fanout *media.Fanout
	Sink   core.AudioSink
	// Events receives completion signals; consumed by the session
	// coordinator's dispatch loop.
	Events chan<- Event
	// CandidateTTL defaults to DefaultCandidateTTL.
	CandidateTTL time.Duration
	// NegotiationTimeout tears down a connection that has not reached
	// connected by the deadline. Zero disables the timeout.
	NegotiationTimeout time.Duration
}

// Manager is the peer connection manager. Map mutation is serialized
// under one mutex; SDP operations on a single connection run outside it
// and rely on the coordinator's single dispatch loop for per-peer
// ordering. Every method is safe to call from an engine callback.
type Manager struct {
	engine core.Engine
	fanout *media.Fanout
	sink   core.AudioSink
	events chan<- Event
	queue  *candidateQueue

	negotiationTimeout time.Duration

	mu         sync.Mutex
	conns      map[domain.UserID]*connEntry
	micEnabled bool
	closed     bool
	epoch      uint64
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		engine:             cfg.Engine,
		fanout:             cfg.Fanout,
		sink:               cfg.Sink,
		events:             cfg.Events,
		queue:              newCandidateQueue(cfg.CandidateTTL),
		negotiationTimeout: cfg.NegotiationTimeout,
		conns:              make(map[domain.UserID]*connEntry),
		micEnabled:         true,
	}
}

// CreateConnection allocates the connection for one remote participant
// and registers it so inbound signaling can be routed. A second call for
// an already registered remote is a no-op (created=false).
func (m *Manager) CreateConnection(remote domain.UserID) (created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, nil
	}
	if _, ok := m.conns[remote]; ok {
		return false, nil
	}
	if _, err := m.createLocked(remote); err != nil {
		return false, err
	}
	return true, nil
}

// createLocked allocates and registers a connection entry. Caller holds
// m.mu.
func (m *Manager) createLocked(remote domain.UserID) (*connEntry, error) {
	conn, err := m.engine.NewConnection(remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionCreationFailed, err)
	}

	out, err := m.fanout.AddOut(remote)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionCreationFailed, err)
	}
	if _, err := conn.AddLocalTrack(out.Track); err != nil {
		m.fanout.RemoveOut(remote)
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionCreationFailed, err)
	}
	if !m.micEnabled {
		out.MarkMuted()
	}

	m.epoch++
	entry := &connEntry{
		conn:      conn,
		out:       out,
		createdAt: time.Now(),
		epoch:     m.epoch,
	}
	ep := entry.epoch

	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if !m.aliveEpoch(remote, ep) {
			return
		}
		m.emit(Event{Kind: EventLocalCandidate, Remote: remote, Candidate: ci})
	})
	conn.OnConnectivityChange(func(s webrtc.ICEConnectionState) {
		m.onConnectivity(remote, ep, s)
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !m.aliveEpoch(remote, ep) || m.sink == nil {
			return
		}
		m.sink.Play(remote, track)
	})

	m.conns[remote] = entry
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Msg("connection created")
	return entry, nil
}

// RemoveConnection is the only removal path: it disables the local track
// before closing, closes the connection, and purges every manager-held
// reference for the remote id. Idempotent.
func (m *Manager) RemoveConnection(remote domain.UserID) {
	m.removeEpoch(remote, 0, false)
}

func (m *Manager) removeEpoch(remote domain.UserID, ep uint64, checkEpoch bool) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	if !ok || (checkEpoch && entry.epoch != ep) {
		m.mu.Unlock()
		return
	}
	delete(m.conns, remote)
	m.mu.Unlock()

	m.queue.discard(remote)
	if entry.stall != nil {
		entry.stall.Stop()
	}
	// Track first: a trailing frame must not be written into a
	// half-closed transport.
	entry.out.MarkDelete()
	m.fanout.RemoveOut(remote)
	if err := entry.conn.Close(); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("remote", string(remote)).Msg("connection close")
	}
	if m.sink != nil {
		m.sink.Remove(remote)
	}
	log.Info().Str("module", "mesh").Str("remote", string(remote)).Msg("connection removed")
}

// CreateOffer requests an offer, sets it as the local description, and
// returns it for transmission. A nil description means "do not send".
func (m *Manager) CreateOffer(remote domain.UserID) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoConnection
	}

	offer, err := entry.conn.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("remote", string(remote)).Msg("create offer")
		return nil, fmt.Errorf("%w: %v", ErrSdpNegotiationFailed, err)
	}
	m.armStallTimer(remote, entry.epoch)
	return &offer, nil
}

// HandleRemoteOffer applies an incoming offer and returns the local
// answer for transmission. On glare (this side already has a local offer
// outstanding) the connection is torn down and recreated, never patched;
// the fresh connection then answers the remote offer. Buffered
// candidates are flushed exactly once after the remote description is
// applied.
func (m *Manager) HandleRemoteOffer(remote domain.UserID, sdp string) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNoConnection
	}

	var stale core.MediaConnection
	switch decide(entry.conn.SignalingState(), inboundOffer) {
	case actionDrop:
		m.mu.Unlock()
		log.Warn().
			Str("module", "mesh").
			Str("remote", string(remote)).
			Str("state", entry.conn.SignalingState().String()).
			Msg("dropping offer in current signaling state")
		return nil, nil
	case actionRecreate:
		log.Warn().Str("module", "mesh").Str("remote", string(remote)).Msg("offer glare, recreating connection")
		stale = entry.conn
		if entry.stall != nil {
			entry.stall.Stop()
		}
		entry.out.MarkDelete()
		delete(m.conns, remote)
		fresh, err := m.createLocked(remote)
		if err != nil {
			m.mu.Unlock()
			_ = stale.Close()
			return nil, err
		}
		entry = fresh
	case actionApply:
	}
	conn := entry.conn
	ep := entry.epoch
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	answer, err := conn.CreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("remote", string(remote)).Msg("apply offer")
		return nil, fmt.Errorf("%w: %v", ErrSdpNegotiationFailed, err)
	}
	// The answering side is as exposed to a wedged negotiation as the
	// offering side; after glare this also covers the recreated connection.
	m.armStallTimer(remote, ep)

	applied, _ := m.queue.flush(remote, conn.AddICECandidate)
	if applied > 0 {
		log.Info().Str("module", "mesh").Str("remote", string(remote)).Int("applied", applied).Msg("flushed buffered candidates")
	}
	return &answer, nil
}

// HandleRemoteAnswer applies an incoming answer to a connection that sent
// an offer, then flushes buffered candidates.
func (m *Manager) HandleRemoteAnswer(remote domain.UserID, sdp string) error {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if decide(entry.conn.SignalingState(), inboundAnswer) != actionApply {
		log.Warn().
			Str("module", "mesh").
			Str("remote", string(remote)).
			Str("state", entry.conn.SignalingState().String()).
			Msg("dropping answer in current signaling state")
		return nil
	}

	if err := entry.conn.SetRemoteAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("remote", string(remote)).Msg("apply answer")
		return fmt.Errorf("%w: %v", ErrSdpNegotiationFailed, err)
	}

	m.queue.flush(remote, entry.conn.AddICECandidate)
	return nil
}

// AddCandidate applies a candidate immediately when the remote
// description is already set, otherwise buffers it. A candidate for an
// unknown remote id is dropped: removal already purged that connection.
func (m *Manager) AddCandidate(remote domain.UserID, init webrtc.ICECandidateInit) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "mesh").Str("remote", string(remote)).Msg("candidate for unknown remote, dropped")
		return
	}

	if entry.conn.RemoteDescriptionSet() {
		if err := entry.conn.AddICECandidate(init); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("remote", string(remote)).Msg("add candidate")
		}
		return
	}
	m.queue.enqueue(remote, init)
}

// SetMicrophoneEnabled toggles the local track on every connection in
// one critical section, so no caller can observe a partial application.
func (m *Manager) SetMicrophoneEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micEnabled = enabled
	m.fanout.SetAllMuted(!enabled)
}

func (m *Manager) MicrophoneEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micEnabled
}

// Peers returns a snapshot of connected remote ids.
func (m *Manager) Peers() []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserID, 0, len(m.conns))
	for remote := range m.conns {
		out = append(out, remote)
	}
	return out
}

func (m *Manager) Has(remote domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[remote]
	return ok
}

// SignalingState reports the SDP state for one remote, for diagnostics.
func (m *Manager) SignalingState(remote domain.UserID) (webrtc.SignalingState, bool) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	m.mu.Unlock()
	if !ok {
		return webrtc.SignalingStateClosed, false
	}
	return entry.conn.SignalingState(), true
}

// CloseAll tears down every connection and marks the manager closed; all
// further calls become no-ops.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	snapshot := make(map[domain.UserID]*connEntry, len(m.conns))
	for remote, entry := range m.conns {
		snapshot[remote] = entry
	}
	m.conns = make(map[domain.UserID]*connEntry)
	m.mu.Unlock()

	for remote, entry := range snapshot {
		m.queue.discard(remote)
		if entry.stall != nil {
			entry.stall.Stop()
		}
		entry.out.MarkDelete()
		m.fanout.RemoveOut(remote)
		_ = entry.conn.Close()
		if m.sink != nil {
			m.sink.Remove(remote)
		}
	}
	log.Info().Str("module", "mesh").Int("count", len(snapshot)).Msg("all connections closed")
}

func (m *Manager) armStallTimer(remote domain.UserID, ep uint64) {
	if m.negotiationTimeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.conns[remote]
	if !ok || entry.epoch != ep || entry.stall != nil {
		return
	}
	entry.stall = time.AfterFunc(m.negotiationTimeout, func() {
		m.onStall(remote, ep)
	})
}

func (m *Manager) onStall(remote domain.UserID, ep uint64) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	if !ok || entry.epoch != ep || entry.connected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	log.Warn().Str("module", "mesh").Str("remote", string(remote)).Msg("negotiation stalled, tearing down")
	m.removeEpoch(remote, ep, true)
	m.emit(Event{Kind: EventStalled, Remote: remote, Err: ErrNegotiationStalled})
}

func (m *Manager) onConnectivity(remote domain.UserID, ep uint64, s webrtc.ICEConnectionState) {
	m.mu.Lock()
	entry, ok := m.conns[remote]
	if !ok || entry.epoch != ep {
		m.mu.Unlock()
		return
	}

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		first := !entry.connected
		entry.connected = true
		if entry.stall != nil {
			entry.stall.Stop()
		}
		m.mu.Unlock()
		if first {
			m.emit(Event{Kind: EventAudioReady, Remote: remote})
		}
	case webrtc.ICEConnectionStateFailed:
		m.mu.Unlock()
		m.emit(Event{Kind: EventConnectivityFailed, Remote: remote, Err: ErrConnectivityFailed})
	case webrtc.ICEConnectionStateDisconnected:
		wasConnected := entry.connected
		m.mu.Unlock()
		// A disconnect during initial checking is ICE churn; one after
		// connected is surfaced, though the engine may still recover.
		if wasConnected {
			m.emit(Event{Kind: EventConnectivityFailed, Remote: remote, Err: fmt.Errorf("%w: disconnected", ErrConnectivityFailed)})
		}
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) aliveEpoch(remote domain.UserID, ep uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.conns[remote]
	return ok && entry.epoch == ep
}

func (m *Manager) emit(ev Event) {
	if m.events == nil {
		return
	}
	m.events <- ev
}
