package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
)

const (
	audioClockRate = 48000
	// 20 ms frames at 48 kHz.
	samplesPerFrame = 960
	payloadType     = 111
)

// Fanout pumps frames from the single local capture source into one
// OutTrack per remote participant. The mesh topology makes the local
// track a one-to-many resource; the pump snapshots the track map per
// frame so additions and removals never block writes.
type Fanout struct {
	src   core.AudioSource
	meter *Meter
	ssrc  uint32

	mu   sync.RWMutex
	outs map[domain.UserID]*OutTrack

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFanout(src core.AudioSource) *Fanout {
	u := uuid.New()
	return &Fanout{
		src:   src,
		meter: &Meter{},
		ssrc:  binary.BigEndian.Uint32(u[0:4]),
		outs:  make(map[domain.UserID]*OutTrack),
		done:  make(chan struct{}),
	}
}

// AddOut allocates the local track for one remote participant. The caller
// attaches ot.Track to that participant's connection.
func (f *Fanout) AddOut(remote domain.UserID) (*OutTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2},
		"audio",
		fmt.Sprintf("convoy-%s", remote),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	ot := NewOutTrack(track)

	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.outs[remote]; ok {
		old.MarkDelete()
	}
	f.outs[remote] = ot
	return ot, nil
}

func (f *Fanout) RemoveOut(remote domain.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ot, ok := f.outs[remote]; ok {
		ot.MarkDelete()
		delete(f.outs, remote)
	}
}

// SetAllMuted flips every attached track in one critical section, so no
// other fan-out operation can observe a half-applied toggle.
func (f *Fanout) SetAllMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ot := range f.outs {
		if ot.GetState() == TrackStateDelete {
			continue
		}
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (f *Fanout) Level() float64 {
	return f.meter.Level()
}

func (f *Fanout) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.loop(ctx)
}

func (f *Fanout) loop(ctx context.Context) {
	defer close(f.done)

	var seq uint16
	var ts uint32

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-f.src.Frames():
			if !ok {
				log.Info().Str("module", "media").Msg("capture source closed, stopping fanout")
				return
			}
			f.meter.Observe(frame)

			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    payloadType,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           f.ssrc,
				},
				Payload: frame,
			}
			seq++
			ts += samplesPerFrame

			f.forward(pkt)
		}
	}
}

func (f *Fanout) forward(pkt *rtp.Packet) {
	snapshot := make(map[domain.UserID]*OutTrack, len(f.outs))
	f.mu.RLock()
	maps.Copy(snapshot, f.outs)
	f.mu.RUnlock()

	for remote, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete, TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				log.Error().
					Err(err).
					Str("module", "media").
					Str("remote", string(remote)).
					Msg("fanout write RTP error, marking track for delete")
				ot.MarkDelete()
			}
		}
	}
}

// Stop halts the pump and releases the capture source.
func (f *Fanout) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	if err := f.src.Close(); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("close capture source")
	}
}
