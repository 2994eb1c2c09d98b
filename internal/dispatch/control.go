package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Control channel message types.
const (
	MsgPlayback     = "playback"
	MsgSessionStart = "session_start"
	MsgSessionEnd   = "session_end"
)

// Envelope frames every control channel message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SessionEvent is the payload of session_start and session_end.
type SessionEvent struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// Control is the master's end of the worker control channel: a localhost
// websocket listener the minions dial into, identified by worker id.
type Control struct {
	addr     string
	pool     *Pool
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// OnRelease, when set, runs after a worker reports session_end.
	OnRelease func(userID string)

	mu    sync.Mutex
	conns map[int]*websocket.Conn
	srv   *http.Server
}

func NewControl(addr string, pool *Pool, log zerolog.Logger) *Control {
	return &Control{
		addr:  addr,
		pool:  pool,
		log:   log.With().Str("part", "control").Logger(),
		conns: make(map[int]*websocket.Conn),
	}
}

// Handler exposes the control channel routes.
func (c *Control) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", c.handleWorker)
	return mux
}

// Start begins serving the control channel. Non-blocking.
func (c *Control) Start() {
	c.srv = &http.Server{Addr: c.addr, Handler: c.Handler()}

	go func() {
		if err := c.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("control listener failed")
		}
	}()
	c.log.Info().Str("addr", c.addr).Msg("control channel listening")
}

func (c *Control) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	if c.srv == nil {
		return nil
	}
	return c.srv.Shutdown(ctx)
}

func (c *Control) handleWorker(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("worker"))
	if err != nil {
		http.Error(w, "worker id required", http.StatusBadRequest)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Error().Err(err).Int("worker", id).Msg("upgrade failed")
		return
	}

	c.mu.Lock()
	if old := c.conns[id]; old != nil {
		old.Close()
	}
	c.conns[id] = conn
	c.mu.Unlock()

	c.pool.SetActive(id, true)
	c.log.Info().Int("worker", id).Msg("worker connected")

	c.readLoop(id, conn)

	// A redial replaces the registered connection before this handler
	// unwinds; only the handler still owning the slot may flip liveness.
	c.mu.Lock()
	replaced := c.conns[id] != conn
	if !replaced {
		delete(c.conns, id)
	}
	c.mu.Unlock()
	if replaced {
		c.log.Info().Int("worker", id).Msg("stale control connection closed")
		return
	}
	c.pool.SetActive(id, false)
	c.log.Warn().Int("worker", id).Msg("worker disconnected")
}

func (c *Control) readLoop(id int, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		var ev SessionEvent
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				c.log.Warn().Err(err).Str("type", env.Type).Msg("bad session event")
				continue
			}
		}

		switch env.Type {
		case MsgSessionStart:
			c.pool.Confirm(id, ev.SessionID, ev.UserID)
			c.log.Info().Int("worker", id).Str("session", ev.SessionID).Str("user", ev.UserID).Msg("session started")
		case MsgSessionEnd:
			if !c.pool.ReleaseSession(id, ev.SessionID) {
				// The end of a session this worker was already re-dispatched
				// away from; the new session keeps its slot.
				c.log.Debug().Int("worker", id).Str("session", ev.SessionID).Msg("stale session end ignored")
				continue
			}
			c.log.Info().Int("worker", id).Str("session", ev.SessionID).Str("user", ev.UserID).Msg("session ended")
			if c.OnRelease != nil {
				c.OnRelease(ev.UserID)
			}
		default:
			c.log.Warn().Str("type", env.Type).Msg("unknown control message")
		}
	}
}

// SendPlayback hands a playback seed to a worker. Fire and forget: delivery
// failure surfaces as an error, but no reply is awaited.
func (c *Control) SendPlayback(workerID int, seed any) error {
	data, err := json.Marshal(seed)
	if err != nil {
		return fmt.Errorf("marshal seed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conns[workerID]
	if conn == nil {
		return fmt.Errorf("worker %d has no control connection", workerID)
	}
	if err := conn.WriteJSON(Envelope{Type: MsgPlayback, Data: data}); err != nil {
		return fmt.Errorf("send playback to worker %d: %w", workerID, err)
	}
	return nil
}
