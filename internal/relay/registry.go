package relay

import "sync"

// Registry maps live connection identities to their peers.
// Every critical section is a single map operation, a snapshot copy or a
// non-blocking enqueue, so the lock is never held across network I/O.
type Registry struct {
	mu    sync.Mutex
	peers map[ID]*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[ID]*Peer),
	}
}

// Register inserts p under its identity. It reports false if the identity is
// already present, leaving the existing entry untouched.
func (r *Registry) Register(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.id]; ok {
		return false
	}
	r.peers[p.id] = p
	return true
}

// Deregister removes id. Removing an absent identity is a no-op.
func (r *Registry) Deregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Snapshot copies the currently registered identities.
func (r *Registry) Snapshot() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Deliver enqueues msg on the peer registered as id. The returned bool is
// false when id is no longer registered; that is not an error.
func (r *Registry) Deliver(id ID, msg Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return false, nil
	}
	return true, p.Enqueue(msg)
}
