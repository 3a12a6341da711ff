package voice

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultIdleGrace is how long a fully-released session survives before the
// janitor closes it. Reconnecting clients reattach within this window without
// losing the realtime conversation.
const DefaultIdleGrace = 2 * time.Minute

// SessionFactory builds a session for a conversation on first acquire.
type SessionFactory func(conversationID string) (*Session, error)

type registryEntry struct {
	session    *Session
	refs       int
	releasedAt time.Time
}

// Registry enforces one voice session per conversation. Multiple clients of
// the same conversation attach to the shared session; a background janitor
// closes sessions that stay unreferenced past the grace period.
type Registry struct {
	factory SessionFactory
	grace   time.Duration

	mu      sync.Mutex
	entries map[string]*registryEntry

	scheduler *cron.Cron
}

// NewRegistry starts a registry and its janitor sweep.
func NewRegistry(factory SessionFactory, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultIdleGrace
	}
	r := &Registry{
		factory:   factory,
		grace:     grace,
		entries:   make(map[string]*registryEntry),
		scheduler: cron.New(cron.WithSeconds()),
	}
	if _, err := r.scheduler.AddFunc("@every 30s", r.sweep); err != nil {
		log.Printf("[VOICE] Failed to schedule session janitor: %v", err)
	}
	r.scheduler.Start()
	return r
}

// AcquireOrAttach returns the conversation's session, creating it on first
// use. Every successful call must be paired with a Release.
func (r *Registry) AcquireOrAttach(conversationID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[conversationID]; ok {
		e.refs++
		return e.session, nil
	}

	session, err := r.factory(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice session for %s: %w", conversationID, err)
	}
	r.entries[conversationID] = &registryEntry{session: session, refs: 1}
	return session, nil
}

// Release drops one reference. The session stays alive through the grace
// period so a reconnect can reattach.
func (r *Registry) Release(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[conversationID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.refs = 0
		e.releasedAt = time.Now()
	}
}

// ActiveSessions reports how many sessions the registry currently holds.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweep closes sessions that have been unreferenced longer than the grace
// period. Sessions whose event loop already exited are removed regardless.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var expired []*Session
	for id, e := range r.entries {
		dead := false
		select {
		case <-e.session.Done():
			dead = true
		default:
		}
		if dead || (e.refs == 0 && now.Sub(e.releasedAt) >= r.grace) {
			expired = append(expired, e.session)
			delete(r.entries, id)
			log.Printf("[VOICE] Closing idle session for %s", id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		if err := s.Close(); err != nil {
			log.Printf("[VOICE] Error closing session: %v", err)
		}
	}
}

// Shutdown stops the janitor and closes every remaining session.
func (r *Registry) Shutdown() {
	ctx := r.scheduler.Stop()
	<-ctx.Done()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for id, e := range r.entries {
		sessions = append(sessions, e.session)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}
