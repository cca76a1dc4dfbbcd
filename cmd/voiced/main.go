package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/adapters/rtc"
	"github.com/convoyvoice/convoy/internal/adapters/ws"
	"github.com/convoyvoice/convoy/internal/config"
	"github.com/convoyvoice/convoy/internal/core"
	"github.com/convoyvoice/convoy/internal/domain"
	"github.com/convoyvoice/convoy/internal/media"
	"github.com/convoyvoice/convoy/internal/session"
)

func fetchToken(ctx context.Context, cfg *config.Config) (string, error) {
	body, err := json.Marshal(map[string]string{
		"user_id":  cfg.UserID,
		"group_id": cfg.GroupID,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}
	if cfg.UserID == "" || cfg.GroupID == "" {
		log.Error().Msg("user_id and group_id must be configured")
		os.Exit(1)
	}

	token, err := fetchToken(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch join token")
		os.Exit(1)
	}

	transport, err := ws.Dial(ctx, cfg.RelayURL, token)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to relay")
		os.Exit(1)
	}
	defer transport.Close()

	coord := session.NewCoordinator(session.Config{
		Transport:          transport,
		Engine:             rtc.NewEngine(cfg.STUNServers),
		NewSource:          func() core.AudioSource { return media.NewToneSource() },
		Sink:               media.NewDrainSink(),
		CandidateTTL:       cfg.CandidateTTL,
		NegotiationTimeout: cfg.NegotiationTimeout,
		OnPeerAudioReady: func(remote domain.UserID) {
			log.Info().Str("remote", string(remote)).Msg("peer audio ready")
		},
		OnPeerError: func(remote domain.UserID, err error) {
			log.Warn().Err(err).Str("remote", string(remote)).Msg("peer connectivity problem")
		},
	})

	if err := coord.Join(ctx, domain.GroupID(cfg.GroupID), domain.UserID(cfg.UserID)); err != nil {
		log.Error().Err(err).Msg("failed to join session")
		os.Exit(1)
	}
	log.Info().Str("group", cfg.GroupID).Str("user", cfg.UserID).Msg("voiced running")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := coord.Leave(leaveCtx); err != nil {
				log.Error().Err(err).Msg("leave session")
			}
			leaveCancel()
			log.Info().Msg("voiced exited gracefully")
			return
		case <-ticker.C:
			log.Debug().
				Float64("level", coord.Level()).
				Int("peers", len(coord.Participants())).
				Msg("session status")
		}
	}
}
