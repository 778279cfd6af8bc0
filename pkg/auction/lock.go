// Package auction tracks the per-contract lock lifecycle between cross
// detection and settlement: Open → Locked → Settling → Open. A lock freezes
// a contract for a fixed number of ledger heights so every node observes the
// same final order snapshot before the matching pass runs.
package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/ledger"
)

// State of a contract's lock.
type State string

const (
	Open     State = "open"
	Locked   State = "locked"
	Settling State = "settling"
)

// Lock is the per-contract lock record. Height is the ledger height the
// lock was raised at; meaningful only outside Open.
type Lock struct {
	State  State
	Height uint64
}

// Announcement is the JSON payload written under an Auction ledger key.
type Announcement struct {
	Contract string `json:"contract"`
	Height   uint64 `json:"height"`
}

// Locks holds the in-memory lock set and mirrors raises to the ledger.
// At most one active lock exists per contract; raising over an active lock
// is a no-op, never an error, since multiple nodes detect the same cross.
type Locks struct {
	self          common.Address
	client        ledger.Client
	log           *zap.SugaredLogger
	waitingPeriod uint64
	horizon       uint64

	mu    sync.Mutex
	locks map[book.Contract]Lock
}

// NewLocks builds the lock set. waitingPeriod is the number of heights
// between lock and settlement eligibility; horizon bounds how far back
// recovery looks for unresolved announcements.
func NewLocks(self common.Address, client ledger.Client, waitingPeriod, horizon uint64, log *zap.SugaredLogger) *Locks {
	return &Locks{
		self:          self,
		client:        client,
		log:           log,
		waitingPeriod: waitingPeriod,
		horizon:       horizon,
		locks:         make(map[book.Contract]Lock),
	}
}

// Status returns the current lock for a contract (Open when absent).
func (lk *Locks) Status(c book.Contract) Lock {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if l, ok := lk.locks[c]; ok {
		return l
	}
	return Lock{State: Open}
}

// Raise transitions Open → Locked: announce the lock on the ledger and
// record the height locally. Already locked or settling is a no-op. On a
// failed ledger write the state stays Open and the next trigger retries.
func (lk *Locks) Raise(ctx context.Context, c book.Contract, height uint64) error {
	lk.mu.Lock()
	if l, ok := lk.locks[c]; ok && l.State != Open {
		lk.mu.Unlock()
		return nil
	}
	lk.mu.Unlock()

	payload, err := json.Marshal(Announcement{Contract: string(c), Height: height})
	if err != nil {
		return fmt.Errorf("raise lock %s: %w", c, err)
	}
	err = lk.client.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(lk.self, string(c), height),
		Payload: payload,
	}})
	if err != nil {
		lk.log.Warnw("lock_announce_failed", "contract", c, "height", height, "err", err)
		return fmt.Errorf("raise lock %s: %w", c, err)
	}

	lk.mu.Lock()
	// re-check: a concurrent trigger may have raced us to the announcement
	if l, ok := lk.locks[c]; !ok || l.State == Open {
		lk.locks[c] = Lock{State: Locked, Height: height}
	}
	lk.mu.Unlock()

	lk.log.Infow("lock_raised", "contract", c, "height", height)
	return nil
}

// SettleEligible reports whether a contract's waiting window has elapsed:
// Locked, and the observed height has reached lockHeight + waitingPeriod.
// Ledger height is the sole timing mechanism; no wall clock is involved.
func (lk *Locks) SettleEligible(c book.Contract, height uint64) bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	l, ok := lk.locks[c]
	return ok && l.State == Locked && height >= l.Height+lk.waitingPeriod
}

// BeginSettling transitions Locked → Settling. Returns false when the lock
// is not currently Locked, which makes a duplicate settlement trigger for
// the same lock a safe no-op.
func (lk *Locks) BeginSettling(c book.Contract) bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	l, ok := lk.locks[c]
	if !ok || l.State != Locked {
		return false
	}
	l.State = Settling
	lk.locks[c] = l
	return true
}

// Abort returns a Settling contract to Locked after a failed pass so the
// next trigger retries from the same precondition.
func (lk *Locks) Abort(c book.Contract) {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	if l, ok := lk.locks[c]; ok && l.State == Settling {
		l.State = Locked
		lk.locks[c] = l
	}
}

// Release transitions Settling → Open once settlement has completed.
func (lk *Locks) Release(c book.Contract) {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	delete(lk.locks, c)
}

// Sync folds the ledger's lock announcements into the in-memory set: any
// announcement younger than the horizon with no settlement record for its
// height is an active lock, whoever raised it. Running nodes call this on
// every evaluation pass so a peer's lock is adopted at the peer's height
// instead of being raised again one height later; on startup the same scan
// rebuilds the set from scratch. A contract already Settling is never
// touched, and among competing announcements the earliest height wins.
func (lk *Locks) Sync(ctx context.Context, currentHeight uint64) error {
	recs, err := lk.client.Snapshot(ctx, "")
	if err != nil {
		return fmt.Errorf("sync locks: %w", err)
	}

	settled := make(map[string]bool) // contract:height resolved by any owner
	type pending struct {
		contract book.Contract
		height   uint64
	}
	var announcements []pending

	var floor uint64
	if currentHeight > lk.horizon {
		floor = currentHeight - lk.horizon
	}

	for _, rec := range recs {
		pk, err := ledger.ParseKey(rec.Key)
		if err != nil {
			continue
		}
		switch pk.Kind {
		case ledger.KindSettlement:
			settled[fmt.Sprintf("%s:%d", pk.Contract, pk.Height)] = true
		case ledger.KindAuction:
			if pk.Height < floor {
				continue
			}
			announcements = append(announcements, pending{book.Contract(pk.Contract), pk.Height})
		}
	}

	lk.mu.Lock()
	defer lk.mu.Unlock()
	for _, a := range announcements {
		if settled[fmt.Sprintf("%s:%d", a.contract, a.height)] {
			continue
		}
		// keep the earliest unresolved announcement per contract; a pass
		// already in Settling keeps its height
		if l, ok := lk.locks[a.contract]; ok && (l.State == Settling || l.Height <= a.height) {
			continue
		}
		lk.locks[a.contract] = Lock{State: Locked, Height: a.height}
		lk.log.Infow("lock_adopted", "contract", a.contract, "height", a.height)
	}
	return nil
}

// Recover rebuilds the lock set on startup. Locks must never be assumed to
// survive only in memory.
func (lk *Locks) Recover(ctx context.Context, currentHeight uint64) error {
	return lk.Sync(ctx, currentHeight)
}
