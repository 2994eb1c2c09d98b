package minion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/seanp01/Audiobook-Bot/internal/dispatch"
	"github.com/seanp01/Audiobook-Bot/internal/session"
)

const redialDelay = 2 * time.Second

// ControlClient is the worker's end of the master control channel. It keeps
// dialing until the master answers and keeps redialing after any drop.
type ControlClient struct {
	url        string
	onPlayback func(session.Seed)
	log        zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewControlClient(addr string, workerID int, onPlayback func(session.Seed), log zerolog.Logger) *ControlClient {
	return &ControlClient{
		url:        fmt.Sprintf("ws://%s/control?worker=%d", addr, workerID),
		onPlayback: onPlayback,
		log:        log.With().Str("part", "control").Logger(),
	}
}

// Run dials the master and pumps messages until ctx is cancelled.
func (c *ControlClient) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warn().Err(err).Msg("master unreachable, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(redialDelay):
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info().Msg("connected to master")

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *ControlClient) readLoop(conn *websocket.Conn) {
	for {
		var env dispatch.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.log.Warn().Err(err).Msg("control channel dropped")
			return
		}

		switch env.Type {
		case dispatch.MsgPlayback:
			var seed session.Seed
			if err := json.Unmarshal(env.Data, &seed); err != nil {
				c.log.Error().Err(err).Msg("bad playback seed")
				continue
			}
			go c.onPlayback(seed)
		default:
			c.log.Warn().Str("type", env.Type).Msg("unknown control message")
		}
	}
}

func (c *ControlClient) send(msgType string, ev dispatch.SessionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected to master")
	}
	return c.conn.WriteJSON(dispatch.Envelope{Type: msgType, Data: data})
}

// SessionStarted tells the master this worker is now busy with a listener.
func (c *ControlClient) SessionStarted(sessionID, userID string) error {
	return c.send(dispatch.MsgSessionStart, dispatch.SessionEvent{SessionID: sessionID, UserID: userID})
}

// SessionEnded tells the master this worker is free again.
func (c *ControlClient) SessionEnded(sessionID, userID string) error {
	return c.send(dispatch.MsgSessionEnd, dispatch.SessionEvent{SessionID: sessionID, UserID: userID})
}
