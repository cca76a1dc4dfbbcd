package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/domain"
)

// MemberConn is the send side of one connected device.
type MemberConn interface {
	TrySend(data []byte) error
	Close()
}

// Registry tracks which device socket belongs to which group room.
// In-memory only: a relay instance owns its rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.GroupID]map[domain.UserID]MemberConn
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[domain.GroupID]map[domain.UserID]MemberConn)}
}

// Add registers a member socket. A previous socket for the same user is
// closed and replaced (reconnect wins).
func (r *Registry) Add(group domain.GroupID, user domain.UserID, conn MemberConn) {
	r.mu.Lock()
	room, ok := r.rooms[group]
	if !ok {
		room = make(map[domain.UserID]MemberConn)
		r.rooms[group] = room
	}
	old := room[user]
	room[user] = conn
	r.mu.Unlock()

	if old != nil {
		old.Close()
		log.Info().Str("module", "relay").Str("user", string(user)).Msg("replaced existing member socket")
	}
}

// Remove drops the member only if conn is still the registered socket,
// so a reconnect is not torn down by the old socket's cleanup.
func (r *Registry) Remove(group domain.GroupID, user domain.UserID, conn MemberConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[group]
	if !ok || room[user] != conn {
		return false
	}
	delete(room, user)
	if len(room) == 0 {
		delete(r.rooms, group)
	}
	return true
}

func (r *Registry) Get(group domain.GroupID, user domain.UserID) (MemberConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.rooms[group][user]
	return conn, ok
}

type memberSnap struct {
	User domain.UserID
	Conn MemberConn
}

// Members returns a snapshot of the room.
func (r *Registry) Members(group domain.GroupID) []memberSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[group]
	out := make([]memberSnap, 0, len(room))
	for user, conn := range room {
		out = append(out, memberSnap{User: user, Conn: conn})
	}
	return out
}

func (r *Registry) MemberCount(group domain.GroupID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[group])
}
