package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
)

// Engine allocates pion peer connections with a shared ICE configuration.
type Engine struct {
	cfg webrtc.Configuration
}

func NewEngine(stunURLs []string) *Engine {
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, remote), nil
}
