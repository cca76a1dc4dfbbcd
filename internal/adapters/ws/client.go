// Package ws implements the client side of the signaling wire: one
// websocket per device, with read/write pumps and a decoded event
// channel consumed by the session coordinator.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/convoyvoice/convoy/internal/signaling"
)

const (
	writeWait = 5 * time.Second
	sendDepth = 32
)

var ErrClosed = errors.New("transport closed")

// Client shuts down through the done channel; the send channel is never
// closed, so a Send racing Close parks on the select and returns
// ErrClosed instead of hitting a closed channel.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan signaling.Envelope
	done   chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay's signaling endpoint. The join token is
// carried as a bearer header; the relay derives user and group from its
// claims.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:   conn,
		send:   make(chan []byte, sendDepth),
		events: make(chan signaling.Envelope, sendDepth),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Client) Send(ctx context.Context, env signaling.Envelope) error {
	data, err := signaling.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Events() <-chan signaling.Envelope {
	return c.events
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.events)
		_ = c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Error().Err(err).Str("module", "ws").Msg("readPump read error")
			}
			return
		}
		env, err := signaling.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "ws").Msg("bad envelope, dropped")
			continue
		}
		c.events <- env
	}
}
