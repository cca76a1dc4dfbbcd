package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convoyvoice/convoy/internal/signaling"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// holdingServer upgrades each connection and keeps it open, optionally
// writing one envelope first, until the test ends.
func holdingServer(t *testing.T, greet *signaling.Envelope) string {
	t.Helper()
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if greet != nil {
			data, err := signaling.Encode(*greet)
			if err != nil {
				t.Errorf("encode greeting: %v", err)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		<-hold
	}))
	t.Cleanup(func() {
		close(hold)
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCloseUnblocksPendingSend(t *testing.T) {
	conn, _, err := websocket.DefaultDialer.Dial(holdingServer(t, nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// No pumps and an unbuffered send channel: the sender parks exactly
	// like it would behind a wedged writePump.
	c := &Client{
		conn:   conn,
		send:   make(chan []byte),
		events: make(chan signaling.Envelope),
		done:   make(chan struct{}),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Send(context.Background(), signaling.Envelope{Kind: signaling.KindPing})
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending send returned %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after close")
	}

	if err := c.Send(context.Background(), signaling.Envelope{Kind: signaling.KindPing}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close returned %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestSendHonorsContext(t *testing.T) {
	conn, _, err := websocket.DefaultDialer.Dial(holdingServer(t, nil), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &Client{
		conn:   conn,
		send:   make(chan []byte),
		events: make(chan signaling.Envelope),
		done:   make(chan struct{}),
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, signaling.Envelope{Kind: signaling.KindPing}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("send returned %v, want deadline exceeded", err)
	}
}

func TestDialDeliversInboundEnvelopes(t *testing.T) {
	url := holdingServer(t, &signaling.Envelope{
		Kind:  signaling.KindParticipantJoined,
		From:  "user-2",
		Group: "42",
	})

	c, err := Dial(context.Background(), url, "test-token")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	select {
	case env := <-c.Events():
		if env.Kind != signaling.KindParticipantJoined || env.From != "user-2" || env.Group != "42" {
			t.Errorf("envelope = %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope delivered")
	}
}
