// Package sessiontest provides an in-memory session.Registry for tests.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kquota/internal/session"
)

// Call records one action issued against the registry.
type Call struct {
	Method string
	Target string
	VT     uint32
	At     time.Time
}

// Registry is a fake session manager. Terminate and Kill remove the session
// from subsequent listings.
type Registry struct {
	mu       sync.Mutex
	sessions []session.Session
	calls    []Call
	now      func() time.Time

	// ListErr, when set, is returned by ListSessions.
	ListErr error
	// SeatNotReady makes that many SwitchSeatTo calls fail first.
	SeatNotReady int
}

// New returns a fake registry holding sessions. now stamps recorded calls.
func New(now func() time.Time, sessions ...session.Session) *Registry {
	return &Registry{sessions: sessions, now: now}
}

// SetSessions replaces the listed sessions.
func (r *Registry) SetSessions(sessions ...session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
}

// Calls returns the recorded actions.
func (r *Registry) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded actions of one method.
func (r *Registry) CallsTo(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) record(method, target string, vt uint32) {
	r.calls = append(r.calls, Call{Method: method, Target: target, VT: vt, At: r.now()})
}

func (r *Registry) ListSessions(context.Context) ([]session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	return append([]session.Session(nil), r.sessions...), nil
}

func (r *Registry) remove(id string) {
	out := r.sessions[:0]
	for _, s := range r.sessions {
		if s.ID != id {
			out = append(out, s)
		}
	}
	r.sessions = out
}

func (r *Registry) Terminate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Terminate", id, 0)
	r.remove(id)
	return nil
}

func (r *Registry) Kill(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Kill", id, 0)
	r.remove(id)
	return nil
}

func (r *Registry) Lock(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Lock", id, 0)
	return nil
}

func (r *Registry) SwitchSeatTo(_ context.Context, seat string, vt uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("SwitchSeatTo", seat, vt)
	if r.SeatNotReady > 0 {
		r.SeatNotReady--
		return fmt.Errorf("%w: %s", session.ErrSeatNotReady, seat)
	}
	return nil
}

func (r *Registry) Suspend(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Suspend", "", 0)
	return nil
}

func (r *Registry) SuspendUntil(_ context.Context, wake time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("SuspendUntil", wake.Format(time.RFC3339), 0)
	return nil
}

func (r *Registry) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Shutdown", "", 0)
	return nil
}

func (r *Registry) KillUserProcesses(_ context.Context, uid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("KillUserProcesses", fmt.Sprint(uid), 0)
	return nil
}

func (r *Registry) Close() {}
