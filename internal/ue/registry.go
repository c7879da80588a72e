package ue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
)

// Registry is the in-memory, thread-safe owner of all UE contexts of one
// scheduler instance.
type Registry struct {
	mu  sync.RWMutex
	ues map[model.RNTI]*Context
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{ues: make(map[model.RNTI]*Context)}
}

// Add inserts a new UE. It returns an error if the RNTI is already in use.
func (r *Registry) Add(u *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ues[u.rnti]; exists {
		return fmt.Errorf("ue %s already exists", u.rnti)
	}
	r.ues[u.rnti] = u
	return nil
}

// Remove deletes the UE and returns it, or nil if it was not present.
func (r *Registry) Remove(rnti model.RNTI) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.ues[rnti]
	if !ok {
		return nil
	}
	delete(r.ues, rnti)
	return u
}

// Get returns the UE with the given RNTI, or nil if not found.
func (r *Registry) Get(rnti model.RNTI) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ues[rnti]
}

// Exists reports whether rnti names a UE.
func (r *Registry) Exists(rnti model.RNTI) bool {
	return r.Get(rnti) != nil
}

// Len returns the number of UEs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ues)
}

// List returns a snapshot of all UEs ordered by RNTI.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	res := make([]*Context, 0, len(r.ues))
	for _, u := range r.ues {
		res = append(res, u)
	}
	r.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].rnti < res[j].rnti })
	return res
}

// ForCarrier returns the carrier state of every UE active on cc, ordered by
// RNTI.
func (r *Registry) ForCarrier(cc uint32) []*Carrier {
	var res []*Carrier
	for _, u := range r.List() {
		if c := u.Carrier(cc); c != nil {
			res = append(res, c)
		}
	}
	return res
}
