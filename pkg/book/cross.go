package book

import (
	"github.com/openclob/meshbook/pkg/decimal"
)

// BestBid returns the highest bid on the market view, false if no bids.
func (s *Store) BestBid(c Contract) (decimal.D, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := s.market[c]
	if len(view.Buy) == 0 {
		return decimal.Zero, false
	}
	return view.Buy[0].Price, true
}

// BestAsk returns the lowest ask on the market view, false if no asks.
func (s *Store) BestAsk(c Contract) (decimal.D, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := s.market[c]
	if len(view.Sell) == 0 {
		return decimal.Zero, false
	}
	return view.Sell[0].Price, true
}

// HasCross reports whether the contract's book is crossed: lowest ask at or
// below highest bid. The check is purely local over ledger-replicated data,
// so every node reaches the same answer without any agreement protocol. All
// comparisons are exact-decimal.
func (s *Store) HasCross(c Contract) bool {
	bid, ok := s.BestBid(c)
	if !ok {
		return false
	}
	ask, ok := s.BestAsk(c)
	if !ok {
		return false
	}
	return ask.Cmp(bid) <= 0
}

// CrossLimits returns the crossing band bounds: the highest bid and lowest
// ask. ok is false when there is no cross. Buy orders at or above the ask
// limit and sell orders at or below the bid limit are cross-admissible.
func (s *Store) CrossLimits(c Contract) (bid, ask decimal.D, ok bool) {
	bid, okBid := s.BestBid(c)
	ask, okAsk := s.BestAsk(c)
	if !okBid || !okAsk || ask.Cmp(bid) > 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return bid, ask, true
}
