// SPDX-License-Identifier: MIT

// Package session binds the hotkey press moment to the context that was
// captured at that moment.
//
// A recording session is a short-lived reservation: opened at press time,
// consumed by at most one task, or explicitly aborted. There is no
// wall-clock TTL — lifetime is defined by the surrounding transaction, and
// orphan reclamation only happens at process shutdown.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/fault"
)

// state is the session's terminal disposition.
type state int

const (
	stateOpen state = iota
	stateConsumed
	stateAborted
)

// Session is one press-time reservation.
type Session struct {
	ID       string
	OpenedAt time.Time
	Pack     *capture.ContextPack

	state state
}

// Registry holds open sessions. Look-ups are O(1) under a single lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Open reserves a new session holding pack and returns its id.
func (r *Registry) Open(pack *capture.ContextPack) string {
	id := uuid.NewString()
	r.mu.Lock()
	r.sessions[id] = &Session{ID: id, OpenedAt: time.Now(), Pack: pack}
	r.mu.Unlock()
	return id
}

// Consume hands the session's context pack to its one task and retires the
// session. A second consume, or a consume of an unknown or aborted id,
// fails with a stable code.
func (r *Registry) Consume(id string) (*capture.ContextPack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fault.Newf(fault.CodeContextCaptureMissing, "recording session %s not found", id)
	}
	if s.state != stateOpen {
		return nil, fault.Newf(fault.CodeContextCaptureMissing, "recording session %s already settled", id)
	}
	s.state = stateConsumed
	delete(r.sessions, id)
	return s.Pack, nil
}

// Abort discards an unconsumed session. Aborting an unknown or already
// settled session is a successful no-op — abort paths (recording failure,
// start failure, UI unmount) must not introduce their own failure modes.
func (r *Registry) Abort(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.state = stateAborted
	delete(r.sessions, id)
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown reclaims every still-open session. This is the only bulk
// reclamation path; it exists for process exit, not for housekeeping.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.sessions {
		delete(r.sessions, id)
	}
}
