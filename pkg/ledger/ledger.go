// Package ledger defines the node's view of the shared ledger: an ordered
// key/value log with snapshot reads, transactional writes, and a height that
// advances as the chain does. The ledger is the only channel through which
// nodes observe each other's order books; nothing in this repository talks
// to another node about order state directly.
package ledger

import (
	"context"
	"errors"
)

// ErrUnavailable marks network or timeout failures talking to the ledger.
// Callers abort the current step without side effects and retry on the next
// trigger; it is never escalated to process termination.
var ErrUnavailable = errors.New("ledger unavailable")

// Commands accepted in a transaction entry.
const (
	CmdSet    = "set"
	CmdDelete = "delete"
)

// Record is one key/value pair from a state snapshot.
type Record struct {
	Key   string
	Value []byte
}

// TxEntry is one command in a submitted transaction.
type TxEntry struct {
	Command string `json:"command"`
	Key     string `json:"key"`
	Payload []byte `json:"payload,omitempty"`
}

// Client is the narrow interface the core consumes. Implementations may be
// an embedded store (dev, tests) or a remote chain service.
type Client interface {
	// Snapshot returns all records whose key starts with prefix; an empty
	// prefix returns the full state.
	Snapshot(ctx context.Context, prefix string) ([]Record, error)

	// Submit applies the entries atomically and advances the height.
	Submit(ctx context.Context, entries []TxEntry) error

	// Height returns the latest ledger height.
	Height(ctx context.Context) (uint64, error)
}
