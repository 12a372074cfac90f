package session

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry tracks live sessions by id.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
}

func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMapOf[string, *Session]()}
}

func (r *Registry) Add(s *Session) {
	r.sessions.Store(s.ID(), s)
}

// Remove deletes s only if it is still the session registered under its id.
func (r *Registry) Remove(s *Session) {
	r.sessions.Compute(s.ID(), func(old *Session, loaded bool) (*Session, bool) {
		return old, !loaded || old == s
	})
}

func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Running counts sessions with a run in progress.
func (r *Registry) Running() int {
	n := 0
	r.sessions.Range(func(_ string, s *Session) bool {
		if s.Running() {
			n++
		}
		return true
	})
	return n
}

// Snapshot returns the live sessions.
func (r *Registry) Snapshot() []*Session {
	out := make([]*Session, 0, r.sessions.Size())
	r.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}
