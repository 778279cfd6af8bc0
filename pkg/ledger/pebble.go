package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Pebble key schema:
//   s:<ledger-key> → record value (shared state)
//   h              → current height (8-byte big-endian)
const (
	prefixState = "s:"
	keyHeight   = "h"
)

func stateKey(key string) []byte {
	return append([]byte(prefixState), key...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// PebbleLedger is an embedded Client for development and tests: a single
// pebble database holding the shared state plus a height counter that ticks
// once per successful Submit. In a multi-node deployment every node points
// its Client at the real chain service instead; this implementation exists so
// the whole pipeline runs against a local directory.
type PebbleLedger struct {
	mu sync.Mutex
	db *pebble.DB

	height   uint64
	watchers []chan uint64
}

// OpenPebble opens (or creates) a ledger at path.
func OpenPebble(path string) (*PebbleLedger, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &PebbleLedger{db: db}
	val, closer, err := db.Get([]byte(keyHeight))
	switch err {
	case nil:
		l.height = binary.BigEndian.Uint64(val)
		closer.Close()
	case pebble.ErrNotFound:
		// fresh ledger, height 0
	default:
		db.Close()
		return nil, fmt.Errorf("read height: %w", err)
	}
	return l, nil
}

func (l *PebbleLedger) Close() error { return l.db.Close() }

func (l *PebbleLedger) Snapshot(ctx context.Context, prefix string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	lower := stateKey(prefix)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		out = append(out, Record{
			Key:   string(iter.Key()[len(prefixState):]),
			Value: val,
		})
	}
	return out, nil
}

func (l *PebbleLedger) Submit(ctx context.Context, entries []TxEntry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		switch e.Command {
		case CmdSet:
			if err := batch.Set(stateKey(e.Key), e.Payload, nil); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		case CmdDelete:
			if err := batch.Delete(stateKey(e.Key), nil); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		default:
			return fmt.Errorf("submit: unknown command %q", e.Command)
		}
	}

	next := l.height + 1
	var hv [8]byte
	binary.BigEndian.PutUint64(hv[:], next)
	if err := batch.Set([]byte(keyHeight), hv[:], nil); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.height = next
	l.notify(next)
	return nil
}

func (l *PebbleLedger) Height(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

// Advance appends an empty block. On a real chain height moves whether or
// not this node submits anything; dev and test setups call Advance to model
// that.
func (l *PebbleLedger) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.height + 1
	var hv [8]byte
	binary.BigEndian.PutUint64(hv[:], next)
	if err := l.db.Set([]byte(keyHeight), hv[:], pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.height = next
	l.notify(next)
	return nil
}

// Watch returns a channel that receives the new height after every Submit.
// Slow receivers miss intermediate heights rather than blocking the writer.
func (l *PebbleLedger) Watch() <-chan uint64 {
	ch := make(chan uint64, 16)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()
	return ch
}

func (l *PebbleLedger) notify(h uint64) {
	for _, ch := range l.watchers {
		select {
		case ch <- h:
		default:
		}
	}
}

var _ Client = (*PebbleLedger)(nil)
