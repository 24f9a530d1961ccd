package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/testforge/internal/model"
)

type draftEntry struct {
	wiz      *Wizard
	lastSeen time.Time
}

// Registry keeps drafts in memory, one per authoring session. Drafts are
// forgotten when discarded, after publication, or when left idle; see Sweep.
type Registry struct {
	gen Generator
	now func() time.Time

	mu     sync.Mutex
	drafts map[string]*draftEntry
}

// NewRegistry creates an empty registry whose drafts use gen.
func NewRegistry(gen Generator) *Registry {
	return &Registry{gen: gen, now: time.Now, drafts: make(map[string]*draftEntry)}
}

// Create starts a new draft owned by owner.
func (r *Registry) Create(owner string) *Wizard {
	w := New(uuid.NewString(), owner, r.gen)
	r.mu.Lock()
	r.drafts[w.ID()] = &draftEntry{wiz: w, lastSeen: r.now()}
	r.mu.Unlock()
	return w
}

// Get returns the draft with the given id and marks it as used.
func (r *Registry) Get(id string) (*Wizard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.drafts[id]
	if !ok {
		return nil, fmt.Errorf("draft %s: %w", id, model.ErrNotFound)
	}
	e.lastSeen = r.now()
	return e.wiz, nil
}

// Delete forgets a draft.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.drafts, id)
	r.mu.Unlock()
}

// Len returns the number of drafts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drafts)
}

// Sweep forgets published drafts and drafts unused for longer than idle.
// A draft with a generation in flight is kept. It returns the number of
// drafts removed.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.drafts {
		snap := e.wiz.Snapshot()
		stale := e.lastSeen.Before(cutoff) && len(snap.Pending) == 0
		if snap.Stage == StagePublished || stale {
			delete(r.drafts, id)
			removed++
		}
	}
	return removed
}
