package session

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry maps session ids to live sessions. Keys are spread over
// independently locked shards, so lookups for different sessions do not
// contend beyond one shard's read lock.
type Registry struct {
	shards [shardCount]*shard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[xxhash.Sum64String(id)%shardCount]
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Add stores s unless its id is taken. It reports whether s was stored.
func (r *Registry) Add(s *Session) bool {
	sh := r.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[s.ID]; exists {
		return false
	}
	sh.sessions[s.ID] = s
	return true
}

// Remove deletes id. It reports whether a session was removed.
func (r *Registry) Remove(id string) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[id]; !ok {
		return false
	}
	delete(sh.sessions, id)
	return true
}

// Len returns the number of sessions held.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// All returns every session ordered by creation time, then id. Shards are
// read one at a time.
func (r *Registry) All() []*Session {
	var out []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
