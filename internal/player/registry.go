package player

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live players by session ID
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Orchestrator
	factory  func(id string) *Orchestrator
}

// NewRegistry creates a registry that builds players with factory.
// factory receives the session ID the player is registered under.
func NewRegistry(factory func(id string) *Orchestrator) *Registry {
	return &Registry{
		sessions: make(map[string]*Orchestrator),
		factory:  factory,
	}
}

// Create builds a new player and returns its session ID
func (r *Registry) Create() (string, *Orchestrator) {
	id := uuid.New().String()
	o := r.factory(id)

	r.mu.Lock()
	r.sessions[id] = o
	r.mu.Unlock()

	return id, o
}

func (r *Registry) Get(id string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.sessions[id]
	return o, ok
}

// Remove closes the player and forgets it
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	o, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		o.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll tears down every player, used at shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Orchestrator)
	r.mu.Unlock()

	for _, o := range sessions {
		o.Close()
	}
}
