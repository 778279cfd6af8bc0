package auction

import (
	"sync"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/match"
)

// Registry holds the pending (unsettled) matches per contract: a flat map
// from contract to an ordered match list. Entries live only between a
// matching pass and the settlement that consumes them; matches never
// persist across settlement cycles.
type Registry struct {
	mu      sync.Mutex
	pending map[book.Contract][]match.Match
}

func NewRegistry() *Registry {
	return &Registry{pending: make(map[book.Contract][]match.Match)}
}

// Put replaces the pending match list for a contract.
func (r *Registry) Put(c book.Contract, matches []match.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[c] = matches
}

// Pending returns a copy of the pending matches for a contract.
func (r *Registry) Pending(c book.Contract) []match.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]match.Match, len(r.pending[c]))
	copy(out, r.pending[c])
	return out
}

// Clear drops the contract's entry at the end of its settlement pass.
func (r *Registry) Clear(c book.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, c)
}
