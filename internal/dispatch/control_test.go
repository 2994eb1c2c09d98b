package dispatch

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestControl(t *testing.T, size int) (*Control, *Pool) {
	t.Helper()
	pool := NewPool(size)
	c := NewControl("127.0.0.1:0", pool, zerolog.Nop())
	return c, pool
}

func connectWorker(t *testing.T, c *Control, workerID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/control?worker=" + workerID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestWorkerConnectActivates(t *testing.T) {
	c, pool := newTestControl(t, 2)
	connectWorker(t, c, "1")

	waitFor(t, func() bool { return pool.Snapshot()[1].Active })
	if pool.Snapshot()[0].Active {
		t.Error("worker 0 never connected but is active")
	}
}

func TestSessionEventsDriveBookkeeping(t *testing.T) {
	c, pool := newTestControl(t, 1)
	released := make(chan string, 1)
	c.OnRelease = func(userID string) { released <- userID }

	conn := connectWorker(t, c, "0")
	waitFor(t, func() bool { return pool.Snapshot()[0].Active })

	data, _ := json.Marshal(SessionEvent{SessionID: "s1", UserID: "alice"})
	conn.WriteJSON(Envelope{Type: MsgSessionStart, Data: data})
	waitFor(t, func() bool { return pool.Snapshot()[0].InUse })

	conn.WriteJSON(Envelope{Type: MsgSessionEnd, Data: data})
	waitFor(t, func() bool { return !pool.Snapshot()[0].InUse })

	select {
	case user := <-released:
		if user != "alice" {
			t.Errorf("released %q, want alice", user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnRelease never fired")
	}
}

func TestSendPlaybackReachesWorker(t *testing.T) {
	c, pool := newTestControl(t, 1)
	conn := connectWorker(t, c, "0")
	waitFor(t, func() bool { return pool.Snapshot()[0].Active })

	seed := map[string]string{"title": "Dune"}
	if err := c.SendPlayback(0, seed); err != nil {
		t.Fatalf("SendPlayback() error = %v", err)
	}

	var env Envelope
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("worker read: %v", err)
	}
	if env.Type != MsgPlayback {
		t.Errorf("type = %q, want playback", env.Type)
	}
	var got map[string]string
	json.Unmarshal(env.Data, &got)
	if got["title"] != "Dune" {
		t.Errorf("seed = %v", got)
	}
}

func TestSendPlaybackWithoutConnection(t *testing.T) {
	c, _ := newTestControl(t, 1)
	if err := c.SendPlayback(0, map[string]string{}); err == nil {
		t.Error("sending to a disconnected worker should fail")
	}
}

func TestRedialKeepsWorkerActive(t *testing.T) {
	c, pool := newTestControl(t, 1)

	conn1 := connectWorker(t, c, "0")
	waitFor(t, func() bool { return pool.Snapshot()[0].Active })

	// The redial replaces conn1; its handler closes our end of it.
	connectWorker(t, c, "0")
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn1.ReadMessage(); err != nil {
			break
		}
	}

	// The stale handler's teardown must not deactivate the live connection.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if !pool.Snapshot()[0].Active {
			t.Fatal("worker with a live control connection was marked inactive")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStaleSessionEndOverControlIgnored(t *testing.T) {
	c, pool := newTestControl(t, 1)
	released := make(chan string, 1)
	c.OnRelease = func(userID string) { released <- userID }

	conn := connectWorker(t, c, "0")
	waitFor(t, func() bool { return pool.Snapshot()[0].Active })

	pool.Assign("alice")
	pool.Expect(0, "s2")

	// The worker ends the replaced session after s2 was dispatched, then
	// starts and later ends s2. Messages are processed in order, so once the
	// slot frees the stale end has been through the loop.
	stale, _ := json.Marshal(SessionEvent{SessionID: "s1", UserID: "alice"})
	conn.WriteJSON(Envelope{Type: MsgSessionEnd, Data: stale})

	fresh, _ := json.Marshal(SessionEvent{SessionID: "s2", UserID: "alice"})
	conn.WriteJSON(Envelope{Type: MsgSessionStart, Data: fresh})
	conn.WriteJSON(Envelope{Type: MsgSessionEnd, Data: fresh})
	waitFor(t, func() bool { return !pool.Snapshot()[0].InUse })

	if n := len(released); n != 1 {
		t.Errorf("OnRelease fired %d times, want 1 (the stale end must not release)", n)
	}
}

func TestDisconnectDeactivates(t *testing.T) {
	c, pool := newTestControl(t, 1)
	conn := connectWorker(t, c, "0")
	waitFor(t, func() bool { return pool.Snapshot()[0].Active })

	conn.Close()
	waitFor(t, func() bool { return !pool.Snapshot()[0].Active })
}
