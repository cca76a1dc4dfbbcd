package mesh

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/domain"
)

// DefaultCandidateTTL is the staleness threshold: a buffered candidate
// older than this is discarded rather than applied, so candidates from a
// previous connection attempt can never corrupt a re-established one.
const DefaultCandidateTTL = 30 * time.Second

type pendingCandidate struct {
	init       webrtc.ICECandidateInit
	receivedAt time.Time
}

// candidateQueue buffers reachability candidates per remote participant
// until that connection's remote description is set.
type candidateQueue struct {
	mu         sync.Mutex
	staleAfter time.Duration
	pending    map[domain.UserID][]pendingCandidate

	now func() time.Time
}

func newCandidateQueue(staleAfter time.Duration) *candidateQueue {
	if staleAfter <= 0 {
		staleAfter = DefaultCandidateTTL
	}
	return &candidateQueue{
		staleAfter: staleAfter,
		pending:    make(map[domain.UserID][]pendingCandidate),
		now:        time.Now,
	}
}

func (q *candidateQueue) enqueue(remote domain.UserID, init webrtc.ICECandidateInit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[remote] = append(q.pending[remote], pendingCandidate{init: init, receivedAt: q.now()})
}

// flush applies all non-stale buffered candidates in arrival order, then
// clears the buffer for that remote. Returns counts for logging.
func (q *candidateQueue) flush(remote domain.UserID, apply func(webrtc.ICECandidateInit) error) (applied, dropped int) {
	q.mu.Lock()
	buf := q.pending[remote]
	delete(q.pending, remote)
	q.mu.Unlock()

	cutoff := q.now().Add(-q.staleAfter)
	for _, pc := range buf {
		if pc.receivedAt.Before(cutoff) {
			dropped++
			continue
		}
		if err := apply(pc.init); err != nil {
			log.Warn().
				Err(err).
				Str("module", "mesh").
				Str("remote", string(remote)).
				Msg("buffered candidate rejected")
			dropped++
			continue
		}
		applied++
	}
	if dropped > 0 {
		log.Debug().
			Str("module", "mesh").
			Str("remote", string(remote)).
			Int("dropped", dropped).
			Msg("dropped stale candidates")
	}
	return applied, dropped
}

// discard throws away buffered candidates for a removed connection.
func (q *candidateQueue) discard(remote domain.UserID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, remote)
}

func (q *candidateQueue) len(remote domain.UserID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[remote])
}
