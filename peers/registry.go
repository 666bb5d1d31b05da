// Package peers tracks discovered remote endpoints and decides which of them
// offer the matching service.
package peers

import (
	"sort"
	"sync"
)

// Peer is a discoverable remote endpoint
type Peer struct {
	Address string
	Name    string
	Service bool
	Meta    map[string]string
}

// Registry merges two independent discovery signals: the raw peer list and
// service advertisement responses. Either signal may arrive first and any
// number of times. A peer matches as soon as a service signal names it and
// keeps matching until it is absent from a later raw peer list.
type Registry struct {
	mu sync.RWMutex

	matching map[string]Peer // address -> service metadata
	order    map[string]uint64
	seq      uint64

	snapshot []Peer // last filtered snapshot
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		matching: make(map[string]Peer),
		order:    make(map[string]uint64),
	}
}

// ServiceFound records a service signal for p.Address, merging metadata.
// It returns true the first time the address becomes matching.
func (r *Registry) ServiceFound(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.matching[p.Address]
	merged := existing
	merged.Address = p.Address
	merged.Service = true
	if p.Name != "" {
		merged.Name = p.Name
	}
	if len(p.Meta) > 0 {
		meta := make(map[string]string, len(existing.Meta)+len(p.Meta))
		for k, v := range existing.Meta {
			meta[k] = v
		}
		for k, v := range p.Meta {
			meta[k] = v
		}
		merged.Meta = meta
	}
	r.matching[p.Address] = merged

	if !ok {
		r.seq++
		r.order[p.Address] = r.seq
	}
	return !ok
}

// UpdatePeers replaces the raw peer list. It returns the matching subset and
// whether that subset differs (as a set) from the previous one. Matching
// peers missing from raw are forgotten.
func (r *Registry) UpdatePeers(raw []Peer) ([]Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]Peer, len(raw))
	for _, p := range raw {
		present[p.Address] = p
	}
	for addr := range r.matching {
		if _, ok := present[addr]; !ok {
			delete(r.matching, addr)
			delete(r.order, addr)
		}
	}

	var filtered []Peer
	for _, p := range raw {
		svc, ok := r.matching[p.Address]
		if !ok && !p.Service {
			continue
		}
		if !ok {
			r.seq++
			r.order[p.Address] = r.seq
			svc = Peer{Address: p.Address, Service: true}
		}
		if svc.Name == "" {
			svc.Name = p.Name
		}
		r.matching[p.Address] = svc
		filtered = append(filtered, svc)
	}

	changed := !sameSet(r.snapshot, filtered)
	r.snapshot = filtered
	return clonePeers(filtered), changed
}

// Best returns the most recently added matching peer
func (r *Registry) Best() (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best Peer
	var bestSeq uint64
	found := false
	for addr, p := range r.matching {
		if s := r.order[addr]; !found || s > bestSeq {
			best, bestSeq, found = p, s, true
		}
	}
	return best, found
}

// Lookup returns the matching peer at addr
func (r *Registry) Lookup(addr string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.matching[addr]
	return p, ok
}

// Forget drops addr (e.g. after it failed to connect)
func (r *Registry) Forget(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.matching, addr)
	delete(r.order, addr)
	for i, p := range r.snapshot {
		if p.Address == addr {
			r.snapshot = append(r.snapshot[:i:i], r.snapshot[i+1:]...)
			break
		}
	}
}

// Snapshot returns the matching peers, most recently added first
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.matching))
	for _, p := range r.matching {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.order[out[i].Address] > r.order[out[j].Address]
	})
	return out
}

// Len returns the number of matching peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matching)
}

// Reset forgets everything (called when a session stops)
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matching = make(map[string]Peer)
	r.order = make(map[string]uint64)
	r.snapshot = nil
}

// sameSet compares two snapshots by member address, ignoring order
func sameSet(a, b []Peer) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, p := range a {
		set[p.Address] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p.Address]; !ok {
			return false
		}
	}
	return true
}

func clonePeers(in []Peer) []Peer {
	if in == nil {
		return nil
	}
	out := make([]Peer, len(in))
	copy(out, in)
	return out
}

// Addresses returns the addresses of ps in order
func Addresses(ps []Peer) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Address)
	}
	return out
}
