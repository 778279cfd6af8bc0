// Package node runs the auction cycle: every ledger advance or local book
// change triggers a per-contract evaluation pass that refreshes the market
// projection, detects crossings, raises locks, and — once a lock's waiting
// window has elapsed — runs the matching engine and settles. Contracts are
// independent; within one contract passes never overlap.
package node

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/auction"
	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/ledger"
	"github.com/openclob/meshbook/pkg/match"
	"github.com/openclob/meshbook/pkg/settle"
	"github.com/openclob/meshbook/pkg/util"
)

// Config tunes the event loop.
type Config struct {
	// PollInterval paces periodic re-evaluation when nothing else
	// triggers. Ledger height advances are observed through this poll (or
	// through HeightWatcher when the client offers one).
	PollInterval time.Duration
	// LedgerTimeout bounds every ledger call inside a pass. Timeouts are
	// the only cancellation signal a pass honors.
	LedgerTimeout time.Duration
}

// HeightWatcher is implemented by ledger clients that can push height
// notifications; the embedded pebble ledger does.
type HeightWatcher interface {
	Watch() <-chan uint64
}

// Node glues the store, lock set, matching engine and settler into the
// event-driven cycle. All collaborators are injected; Node owns no state
// beyond its trigger channels.
type Node struct {
	store    *book.Store
	locks    *auction.Locks
	registry *auction.Registry
	engine   *match.Engine
	settler  *settle.Settler
	client   ledger.Client
	clock    util.Clock
	log      *zap.SugaredLogger
	cfg      Config

	triggers map[book.Contract]chan struct{}
}

func New(store *book.Store, locks *auction.Locks, registry *auction.Registry,
	engine *match.Engine, settler *settle.Settler, client ledger.Client,
	clock util.Clock, cfg Config, log *zap.SugaredLogger) *Node {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 5 * time.Second
	}

	n := &Node{
		store:    store,
		locks:    locks,
		registry: registry,
		engine:   engine,
		settler:  settler,
		client:   client,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		triggers: make(map[book.Contract]chan struct{}),
	}
	for _, c := range store.Contracts() {
		// capacity 1: triggers arriving while a pass is in flight
		// coalesce into one re-evaluation instead of queueing races
		n.triggers[c] = make(chan struct{}, 1)
	}
	return n
}

// BookChanged makes the node a book.Notifier: local nostro mutations
// re-evaluate their contract. Market updates are produced by the evaluation
// pass itself and do not re-trigger it.
func (n *Node) BookChanged(u book.Update) {
	if u.Channel == "nostro" {
		n.Trigger(u.Contract)
	}
}

// Trigger schedules an evaluation pass for a contract. Never blocks; a
// pending trigger absorbs later ones.
func (n *Node) Trigger(c book.Contract) {
	ch, ok := n.triggers[c]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run recovers state from the ledger and processes triggers until the
// context ends. Blocks; callers run it in a goroutine.
func (n *Node) Run(ctx context.Context) error {
	if err := n.recover(ctx); err != nil {
		return err
	}

	for c, ch := range n.triggers {
		go n.worker(ctx, c, ch)
	}
	go n.pollLoop(ctx)
	if w, ok := n.client.(HeightWatcher); ok {
		go n.watchLoop(ctx, w.Watch())
	}

	// initial pass over every contract
	for c := range n.triggers {
		n.Trigger(c)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (n *Node) recover(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.LedgerTimeout)
	defer cancel()

	height, err := n.client.Height(cctx)
	if err != nil {
		return err
	}
	if err := n.locks.Recover(cctx, height); err != nil {
		return err
	}
	if err := n.store.ReplayNostro(cctx); err != nil {
		return err
	}
	n.log.Infow("node_recovered", "height", height, "contracts", len(n.triggers))
	return nil
}

func (n *Node) worker(ctx context.Context, c book.Contract, ch chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			n.Evaluate(ctx, c)
		}
	}
}

func (n *Node) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(n.cfg.PollInterval):
			for c := range n.triggers {
				n.Trigger(c)
			}
		}
	}
}

func (n *Node) watchLoop(ctx context.Context, heights <-chan uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-heights:
			for c := range n.triggers {
				n.Trigger(c)
			}
		}
	}
}

// Evaluate runs one pass for one contract. Every step is idempotent, so a
// pass aborted by a ledger error simply leaves the state machine where it
// was and the next trigger retries.
func (n *Node) Evaluate(ctx context.Context, c book.Contract) {
	cctx, cancel := context.WithTimeout(ctx, n.cfg.LedgerTimeout)
	defer cancel()

	height, err := n.client.Height(cctx)
	if err != nil {
		n.log.Warnw("height_unavailable", "contract", c, "err", err)
		return
	}
	if err := n.store.RefreshFromLedger(cctx, c); err != nil {
		n.log.Warnw("refresh_failed", "contract", c, "err", err)
		return
	}
	// adopt any peer's unresolved lock announcement before deciding: all
	// nodes must share one lockHeight or their windows drift apart
	if err := n.locks.Sync(cctx, height); err != nil {
		n.log.Warnw("lock_sync_failed", "contract", c, "err", err)
		return
	}

	switch {
	case n.locks.SettleEligible(c, height):
		n.runSettlement(cctx, c, height)
	case n.locks.Status(c).State == auction.Open && n.store.HasCross(c):
		if err := n.locks.Raise(cctx, c, height); err != nil {
			// logged by the lock set; next trigger retries
			return
		}
	}
}

func (n *Node) runSettlement(ctx context.Context, c book.Contract, height uint64) {
	if !n.locks.BeginSettling(c) {
		return
	}
	lockHeight := n.locks.Status(c).Height

	// a peer that settled this lock first already matched the frozen book;
	// its receipt is authoritative. Matching again here would run over the
	// book that settlement rewrote and miss our own consumed orders.
	matches, adopted, err := settle.RemoteMatches(ctx, n.client, n.store.Self(), c, lockHeight)
	if err != nil {
		n.locks.Abort(c)
		n.log.Warnw("receipt_lookup_failed", "contract", c, "err", err)
		return
	}
	if adopted {
		n.log.Infow("matches_adopted", "contract", c, "lock_height", lockHeight, "matches", len(matches))
	} else {
		matches, err = n.engine.Match(c)
		if err != nil {
			n.locks.Abort(c)
			n.log.Warnw("match_failed", "contract", c, "err", err)
			return
		}
	}
	n.registry.Put(c, matches)

	if _, err := n.settler.Settle(ctx, c); err != nil {
		n.locks.Abort(c)
		if errors.Is(err, book.ErrInconsistentMatch) {
			// determinism broke somewhere: nodes have diverged. No silent
			// recovery; this stays loud until an operator looks at it.
			n.log.Errorw("inconsistent_match", "contract", c, "height", height, "err", err)
			return
		}
		n.log.Warnw("settlement_failed", "contract", c, "err", err)
		return
	}
}
