// Package settle turns a contract's pending matches into bilateral transfer
// instructions, purges the consumed slices of the local nostro book, and
// closes out the auction cycle. One settlement per lock: the receipt on the
// ledger is what marks a lock announcement resolved.
package settle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/auction"
	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
	"github.com/openclob/meshbook/pkg/match"
)

// Instruction directs one asset transfer between two nodes. Every match
// yields exactly two: the quote leg buyer→seller and the base leg
// seller→buyer. Instructions are emitted to the ledger and never retained
// locally.
type Instruction struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Asset  string         `json:"asset"`
	Amount decimal.D      `json:"amount"`
}

// Receipt is the settlement record payload: the match list the pass settled
// plus the derived instructions. Nodes settling the same lock later adopt
// the matches from an existing receipt, so their nostro deductions agree
// with instructions already emitted over the pre-settlement book.
type Receipt struct {
	Matches      []match.Match `json:"matches"`
	Instructions []Instruction `json:"instructions"`
}

// RemoteMatches looks for a peer's settlement record resolving the given
// lock height. Records are scanned in key order, so every node that adopts
// picks the same receipt.
func RemoteMatches(ctx context.Context, client ledger.Client, self common.Address, c book.Contract, height uint64) ([]match.Match, bool, error) {
	recs, err := client.Snapshot(ctx, "")
	if err != nil {
		return nil, false, fmt.Errorf("remote matches %s: %w", c, err)
	}
	for _, rec := range recs {
		pk, err := ledger.ParseKey(rec.Key)
		if err != nil || pk.Kind != ledger.KindSettlement {
			continue
		}
		if pk.Contract != string(c) || pk.Height != height || pk.Owner == self {
			continue
		}
		var r Receipt
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			continue
		}
		return r.Matches, true, nil
	}
	return nil, false, nil
}

// Settler runs the settlement half of an auction cycle.
type Settler struct {
	store    *book.Store
	locks    *auction.Locks
	registry *auction.Registry
	log      *zap.SugaredLogger
}

func New(store *book.Store, locks *auction.Locks, registry *auction.Registry, log *zap.SugaredLogger) *Settler {
	return &Settler{store: store, locks: locks, registry: registry, log: log}
}

// Instructions derives the two transfer legs of every match.
func Instructions(c book.Contract, matches []match.Match) []Instruction {
	out := make([]Instruction, 0, 2*len(matches))
	for _, m := range matches {
		out = append(out,
			Instruction{
				From:   m.Buy.Owner,
				To:     m.Sell.Owner,
				Asset:  c.Quote(),
				Amount: m.Amount.Mul(m.Price),
			},
			Instruction{
				From:   m.Sell.Owner,
				To:     m.Buy.Owner,
				Asset:  c.Base(),
				Amount: m.Amount,
			},
		)
	}
	return out
}

// Settle consumes the registry's pending matches for a contract whose lock
// is in Settling: emit the receipt to the ledger, deduct the
// local node's consumed order slices, clear the registry entry, and reopen
// the lock. The ledger write and the nostro rewrite are one transaction;
// on failure nothing in memory changes and the caller retries the whole
// pass from the Locked state.
func (s *Settler) Settle(ctx context.Context, c book.Contract) ([]Instruction, error) {
	lock := s.locks.Status(c)
	if lock.State != auction.Settling {
		// already settled, or never locked: safe no-op
		return nil, nil
	}

	matches := s.registry.Pending(c)
	instructions := Instructions(c, matches)

	payload, err := json.Marshal(Receipt{Matches: matches, Instructions: instructions})
	if err != nil {
		return nil, fmt.Errorf("settle %s: %w", c, err)
	}
	record := ledger.TxEntry{
		Command: ledger.CmdSet,
		Key:     ledger.SettlementKey(s.store.Self(), string(c), lock.Height),
		Payload: payload,
	}

	fills := s.localFills(matches)
	if err := s.store.ApplyFills(ctx, c, fills, []ledger.TxEntry{record}); err != nil {
		return nil, fmt.Errorf("settle %s: %w", c, err)
	}

	s.registry.Clear(c)
	s.locks.Release(c)
	s.log.Infow("settlement_complete", "contract", c,
		"lock_height", lock.Height, "matches", len(matches), "instructions", len(instructions))
	return instructions, nil
}

// localFills aggregates, per local order, how much the match list consumed.
// An order can appear in several matches through partial-fill carry-over;
// the nostro deduction wants the total.
func (s *Settler) localFills(matches []match.Match) []book.Fill {
	self := s.store.Self()

	type key struct {
		side book.Side
		id   uint64
	}
	totals := make(map[key]book.Fill)
	var order []key // deterministic apply order

	add := func(side book.Side, ref match.OrderRef, amount decimal.D) {
		if ref.Owner != self {
			return
		}
		k := key{side, ref.ID}
		f, ok := totals[k]
		if !ok {
			f = book.Fill{Side: side, ID: ref.ID, Price: ref.Price}
			order = append(order, k)
		}
		f.Amount = f.Amount.Add(amount)
		totals[k] = f
	}

	for _, m := range matches {
		add(book.Buy, m.Buy, m.Amount)
		add(book.Sell, m.Sell, m.Amount)
	}

	out := make([]book.Fill, 0, len(order))
	for _, k := range order {
		out = append(out, totals[k])
	}
	return out
}
