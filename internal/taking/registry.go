package taking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/testforge/internal/model"
)

type attemptEntry struct {
	session  *Session
	lastSeen time.Time
}

// Registry keeps attempts in memory until they are submitted or left idle;
// see Sweep.
type Registry struct {
	loader TestLoader
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*attemptEntry
}

// NewRegistry creates an empty registry reading tests from loader.
func NewRegistry(loader TestLoader) *Registry {
	return &Registry{loader: loader, now: time.Now, sessions: make(map[string]*attemptEntry)}
}

// Create loads testID into a new attempt. Attempts for missing tests are
// not kept: the returned session is in StateNotFound and has no id lookup.
func (r *Registry) Create(ctx context.Context, testID string) (*Session, error) {
	s, err := Load(ctx, r.loader, uuid.NewString(), testID)
	if err != nil {
		return nil, err
	}
	if s.State() == StateNotFound {
		return s, nil
	}
	r.mu.Lock()
	r.sessions[s.ID()] = &attemptEntry{session: s, lastSeen: r.now()}
	r.mu.Unlock()
	return s, nil
}

// Get returns the attempt with the given id and marks it as used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("attempt %s: %w", id, model.ErrNotFound)
	}
	e.lastSeen = r.now()
	return e.session, nil
}

// Len returns the number of attempts held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep forgets submitted attempts and attempts unused for longer than
// idle. An attempt whose submission is in flight is kept. It returns the
// number of attempts removed.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.sessions {
		state, pending := e.session.status()
		if pending {
			continue
		}
		if state == StateSubmitted || e.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
