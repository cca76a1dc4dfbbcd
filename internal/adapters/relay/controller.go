// Package relay is the signaling relay: it forwards addressed envelopes
// between members of a group room and broadcasts participant events. It
// never inspects SDP or candidate payloads.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/config"
	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/signaling"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Reg     *Registry
	Limiter *RateLimiter
	Cfg     *config.Config
}

func NewController(cfg *config.Config) *Controller {
	return &Controller{
		Reg:     NewRegistry(),
		Limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		Cfg:     cfg,
	}
}

type wsMemberConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsMemberConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsMemberConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades one authenticated device socket and runs its
// pumps. User and group identity come from the validated join token, not
// from any client-supplied envelope field.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.GetString("user_id"))
	group := domain.GroupID(c.GetString("group_id"))
	if domain.ValidateUserID(user) != nil || domain.ValidateGroupID(group) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad identity claims"})
		return
	}
	log.Info().Str("module", "relay").Str("user", string(user)).Str("group", string(group)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsMemberConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, group, user, conn, cancel)
}

func (ctl *Controller) handleEnvelope(group domain.GroupID, user domain.UserID, conn *wsMemberConn, data []byte) {
	env, err := signaling.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("user", string(user)).Msg("bad envelope")
		ctl.sendEnvelope(conn, errorEnvelope(group, "bad_payload"))
		return
	}

	if !ctl.Limiter.Allow(user) {
		log.Warn().Str("module", "relay").Str("user", string(user)).Msg("rate limited")
		ctl.sendEnvelope(conn, errorEnvelope(group, "rate_limited"))
		return
	}

	// Authenticated identity wins over whatever the client wrote.
	env.From = user
	env.Group = group

	switch env.Kind {
	case signaling.KindJoin:
		ctl.join(group, user, conn)
	case signaling.KindLeave:
		ctl.leave(group, user, conn)
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindCandidate, signaling.KindEndCall:
		ctl.forward(group, user, env)
	case signaling.KindPing:
		ctl.sendEnvelope(conn, signaling.Envelope{Kind: signaling.KindPong, Group: group})
	default:
		log.Warn().Str("module", "relay").Str("kind", string(env.Kind)).Msg("unexpected envelope kind")
	}
}

func (ctl *Controller) join(group domain.GroupID, user domain.UserID, conn *wsMemberConn) {
	ctl.Reg.Add(group, user, conn)
	log.Info().Str("module", "relay").Str("user", string(user)).Str("group", string(group)).Msg("joined room")
	ctl.broadcast(group, user, signaling.Envelope{
		Kind:  signaling.KindParticipantJoined,
		From:  user,
		Group: group,
	})
}

func (ctl *Controller) leave(group domain.GroupID, user domain.UserID, conn *wsMemberConn) {
	if !ctl.Reg.Remove(group, user, conn) {
		return
	}
	ctl.Limiter.Forget(user)
	log.Info().Str("module", "relay").Str("user", string(user)).Str("group", string(group)).Msg("left room")
	ctl.broadcast(group, user, signaling.Envelope{
		Kind:  signaling.KindParticipantLeft,
		From:  user,
		Group: group,
	})
}

// forward delivers an addressed envelope to its single target inside the
// sender's room. Delivery is at-most-once: a failed send is not retried.
func (ctl *Controller) forward(group domain.GroupID, user domain.UserID, env signaling.Envelope) {
	if env.Target == "" {
		log.Warn().Str("module", "relay").Str("user", string(user)).Str("kind", string(env.Kind)).Msg("addressed envelope without target")
		return
	}
	target, ok := ctl.Reg.Get(group, env.Target)
	if !ok {
		log.Warn().
			Str("module", "relay").
			Str("user", string(user)).
			Str("target", string(env.Target)).
			Msg("target not in room")
		return
	}

	data, err := signaling.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode envelope")
		return
	}
	if err := target.TrySend(data); err != nil {
		log.Warn().
			Err(err).
			Str("module", "relay").
			Str("target", string(env.Target)).
			Msg("forward failed, kicking slow member")
		if ctl.Reg.Remove(group, env.Target, target) {
			target.Close()
		}
	}
}

func (ctl *Controller) broadcast(group domain.GroupID, from domain.UserID, env signaling.Envelope) {
	data, err := signaling.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode envelope")
		return
	}
	for _, snap := range ctl.Reg.Members(group) {
		if snap.User == from {
			continue
		}
		if err := snap.Conn.TrySend(data); err != nil {
			log.Warn().
				Err(err).
				Str("module", "relay").
				Str("user", string(snap.User)).
				Msg("broadcast failed, kicking slow member")
			if ctl.Reg.Remove(group, snap.User, snap.Conn) {
				snap.Conn.Close()
			}
		}
	}
}

func (ctl *Controller) sendEnvelope(conn *wsMemberConn, env signaling.Envelope) {
	data, err := signaling.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode envelope")
		return
	}
	_ = conn.TrySend(data)
}

func errorEnvelope(group domain.GroupID, reason string) signaling.Envelope {
	return signaling.Envelope{
		Kind:  signaling.KindError,
		Group: group,
		Body:  signaling.Error{Reason: reason},
	}
}
