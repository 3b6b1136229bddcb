package session

import (
	"context"
	"errors"
	"time"
)

// ErrSeatNotReady is returned by SwitchSeatTo when the seat cannot switch
// virtual terminals yet, typically while the previous session is closing.
var ErrSeatNotReady = errors.New("seat not ready")

// Session is one login session as reported by the session manager.
type Session struct {
	ID     string `json:"id"`
	User   string `json:"user"`
	UID    uint32 `json:"uid"`
	Type   string `json:"type"`
	Class  string `json:"class"`
	State  string `json:"state"`
	Seat   string `json:"seat,omitempty"`
	VT     uint32 `json:"vt,omitempty"`
	Active bool   `json:"active"`
	Idle   bool   `json:"idle"`
	Remote bool   `json:"remote"`
}

// Live reports whether the session is still running.
func (s Session) Live() bool {
	return s.State != "closing"
}

// Registry abstracts the operating system session manager. Every method may
// block.
type Registry interface {
	ListSessions(ctx context.Context) ([]Session, error)
	Terminate(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Lock(ctx context.Context, id string) error
	SwitchSeatTo(ctx context.Context, seat string, vt uint32) error
	Suspend(ctx context.Context) error
	SuspendUntil(ctx context.Context, wake time.Time) error
	Shutdown(ctx context.Context) error
	KillUserProcesses(ctx context.Context, uid uint32) error
	Close()
}

// ForUser returns the live sessions belonging to user.
func ForUser(sessions []Session, user string) []Session {
	var out []Session
	for _, s := range sessions {
		if s.User == user && s.Live() {
			out = append(out, s)
		}
	}
	return out
}

// Users returns the distinct users owning live sessions, in first-seen
// order.
func Users(sessions []Session) []string {
	seen := make(map[string]bool)
	var users []string
	for _, s := range sessions {
		if !s.Live() || seen[s.User] {
			continue
		}
		seen[s.User] = true
		users = append(users, s.User)
	}
	return users
}

// Classifier decides which sessions are subject to enforcement.
type Classifier struct {
	controlled map[string]bool
	excluded   map[string]bool
}

// NewClassifier builds a classifier from session type lists.
func NewClassifier(controlled, excluded []string) Classifier {
	c := Classifier{
		controlled: make(map[string]bool, len(controlled)),
		excluded:   make(map[string]bool, len(excluded)),
	}
	for _, t := range controlled {
		c.controlled[t] = true
	}
	for _, t := range excluded {
		c.excluded[t] = true
	}
	return c
}

// Controlled reports whether s is a user session of a controlled type that
// is not excluded.
func (c Classifier) Controlled(s Session) bool {
	if s.Class != "" && s.Class != "user" {
		return false
	}
	return c.controlled[s.Type] && !c.excluded[s.Type]
}

// Activity summarizes a user's controlled sessions: whether any is live and
// whether all of them are idle.
func (c Classifier) Activity(sessions []Session) (active, idle bool) {
	idle = true
	for _, s := range sessions {
		if !s.Live() || !c.Controlled(s) {
			continue
		}
		active = true
		if !s.Idle {
			idle = false
		}
	}
	if !active {
		idle = false
	}
	return active, idle
}

// ControlledIDs returns the IDs of the controlled sessions.
func (c Classifier) ControlledIDs(sessions []Session) []string {
	var ids []string
	for _, s := range sessions {
		if s.Live() && c.Controlled(s) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
