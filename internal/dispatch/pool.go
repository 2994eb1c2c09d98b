// Package dispatch owns the worker side of the master process: the fixed
// pool of minion identities, the process supervisor that keeps them running,
// and the localhost control channel they dial into.
package dispatch

import (
	"errors"
	"sync"
)

var ErrNoWorkers = errors.New("all playback workers are busy")

type workerState struct {
	id           int
	active       bool
	inUse        bool
	assignedUser string
	sessionID    string
}

// WorkerInfo is a read-only snapshot of one pool slot.
type WorkerInfo struct {
	ID           int
	Active       bool
	InUse        bool
	AssignedUser string
}

// Pool tracks which minion is up and who it is playing for. Assignment is
// sticky: a listener keeps their worker until it releases them.
type Pool struct {
	mu      sync.Mutex
	workers []*workerState
}

func NewPool(size int) *Pool {
	p := &Pool{workers: make([]*workerState, size)}
	for i := range p.workers {
		p.workers[i] = &workerState{id: i}
	}
	return p
}

// Assign reserves a worker for userID. A worker already holding that user is
// reused; otherwise the first active idle worker is taken.
func (p *Pool) Assign(userID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.assignedUser == userID && w.active {
			w.inUse = true
			return w.id, nil
		}
	}
	for _, w := range p.workers {
		if w.active && !w.inUse {
			w.inUse = true
			w.assignedUser = userID
			return w.id, nil
		}
	}
	return 0, ErrNoWorkers
}

// Expect records the session about to be dispatched to a worker, so a stale
// session_end from the playback it replaces cannot release the new one.
func (p *Pool) Expect(id int, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.get(id); w != nil {
		w.sessionID = sessionID
	}
}

// Release returns a worker to the pool unconditionally, keeping it active.
func (p *Pool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.get(id); w != nil {
		w.inUse = false
		w.assignedUser = ""
		w.sessionID = ""
	}
}

// ReleaseSession returns a worker to the pool only when sessionID matches the
// session it is currently holding. An empty recorded session (a worker the
// master never dispatched to) matches anything. Reports whether it released.
func (p *Pool) ReleaseSession(id int, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.get(id)
	if w == nil {
		return false
	}
	if w.sessionID != "" && sessionID != w.sessionID {
		return false
	}
	w.inUse = false
	w.assignedUser = ""
	w.sessionID = ""
	return true
}

// SetActive flips a worker's liveness. Deactivating also clears its
// assignment, so a crashed worker's listener can land elsewhere.
func (p *Pool) SetActive(id int, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.get(id)
	if w == nil {
		return
	}
	w.active = active
	if !active {
		w.inUse = false
		w.assignedUser = ""
		w.sessionID = ""
	}
}

// Confirm records a session actually starting on a worker. Needed when the
// worker reports a session the master did not hand out, e.g. after a master
// restart.
func (p *Pool) Confirm(id int, sessionID, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.get(id); w != nil {
		w.inUse = true
		w.assignedUser = userID
		w.sessionID = sessionID
	}
}

// ActiveUsers lists listeners currently holding a worker.
func (p *Pool) ActiveUsers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var users []string
	for _, w := range p.workers {
		if w.inUse && w.assignedUser != "" {
			users = append(users, w.assignedUser)
		}
	}
	return users
}

func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, len(p.workers))
	for i, w := range p.workers {
		out[i] = WorkerInfo{ID: w.id, Active: w.active, InUse: w.inUse, AssignedUser: w.assignedUser}
	}
	return out
}

func (p *Pool) get(id int) *workerState {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}
