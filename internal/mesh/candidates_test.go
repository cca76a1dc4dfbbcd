package mesh

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestFlushAppliesInArrivalOrder(t *testing.T) {
	q := newCandidateQueue(30 * time.Second)
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "a"})
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "b"})
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "c"})

	var got []string
	applied, dropped := q.flush("peer", func(ci webrtc.ICECandidateInit) error {
		got = append(got, ci.Candidate)
		return nil
	})
	if applied != 3 || dropped != 0 {
		t.Fatalf("applied=%d dropped=%d", applied, dropped)
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("order = %v", got)
	}
	if q.len("peer") != 0 {
		t.Errorf("queue not cleared")
	}
}

func TestFlushDropsStaleCandidates(t *testing.T) {
	base := time.Now()
	q := newCandidateQueue(30 * time.Second)

	q.now = func() time.Time { return base }
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "old"})

	q.now = func() time.Time { return base.Add(20 * time.Second) }
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "fresh"})

	// Flush 31 seconds after the first candidate arrived.
	q.now = func() time.Time { return base.Add(31 * time.Second) }
	var got []string
	applied, dropped := q.flush("peer", func(ci webrtc.ICECandidateInit) error {
		got = append(got, ci.Candidate)
		return nil
	})
	if applied != 1 || dropped != 1 {
		t.Fatalf("applied=%d dropped=%d", applied, dropped)
	}
	if len(got) != 1 || got[0] != "fresh" {
		t.Errorf("applied candidates = %v, want [fresh]", got)
	}
}

func TestDiscardDropsBufferedCandidates(t *testing.T) {
	q := newCandidateQueue(30 * time.Second)
	q.enqueue("peer", webrtc.ICECandidateInit{Candidate: "a"})
	q.discard("peer")

	applied, _ := q.flush("peer", func(webrtc.ICECandidateInit) error {
		t.Fatal("apply called after discard")
		return nil
	})
	if applied != 0 {
		t.Errorf("applied = %d", applied)
	}
}

func TestQueuesAreIndependentPerRemote(t *testing.T) {
	q := newCandidateQueue(30 * time.Second)
	q.enqueue("peer-a", webrtc.ICECandidateInit{Candidate: "for-a"})
	q.enqueue("peer-b", webrtc.ICECandidateInit{Candidate: "for-b"})
	q.discard("peer-a")

	if q.len("peer-a") != 0 {
		t.Errorf("peer-a queue survived discard")
	}
	if q.len("peer-b") != 1 {
		t.Errorf("peer-b queue affected by peer-a discard")
	}
}
