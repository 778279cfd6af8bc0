// Package match implements the deterministic auction pass. Every node runs
// the same greedy price-priority pairing over the same ledger snapshot and
// must produce the identical match list; the whole settlement design rests
// on that, so every ordering decision in here is a total order with no
// dependence on map iteration, insertion order, or local state.
package match

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
)

// TieBreak selects the secondary sort key applied after price.
type TieBreak string

const (
	// TieByOrderID ranks orders with a larger id first.
	TieByOrderID TieBreak = "order-id"
	// TieByStake ranks orders whose owner declares a larger stake weight
	// first. Weights come from configuration and must be identical across
	// nodes, like the contract set.
	TieByStake TieBreak = "stake"
)

// Policy fixes the deterministic ordering rules for a deployment.
type Policy struct {
	TieBreak TieBreak
	// Stake weight per owner, consulted only under TieByStake. Owners
	// absent from the map weigh zero.
	Stake map[common.Address]uint64
}

// OrderRef identifies one side of a match: the order as it stood when the
// pairing was made.
type OrderRef struct {
	Owner  common.Address `json:"owner"`
	ID     uint64         `json:"id"`
	Price  decimal.D      `json:"price"`
	Amount decimal.D      `json:"amount"`
}

// Match is one paired fill. Amount is min(buy remaining, sell remaining) at
// pairing time; Price is the resolved trade price for this pairing.
type Match struct {
	Buy    OrderRef  `json:"buy"`
	Sell   OrderRef  `json:"sell"`
	Price  decimal.D `json:"price"`
	Amount decimal.D `json:"amount"`
}

// Engine runs matching passes over the store's order snapshot. It reads the
// store's derived views only; the store is the single place that scans the
// ledger.
type Engine struct {
	store  *book.Store
	policy Policy
	log    *zap.SugaredLogger
}

func NewEngine(store *book.Store, policy Policy, log *zap.SugaredLogger) *Engine {
	if policy.TieBreak == "" {
		policy.TieBreak = TieByOrderID
	}
	return &Engine{store: store, policy: policy, log: log}
}

// Match pairs the orders inside the crossing band: buys priced at or above
// the lowest admissible ask against sells priced at or below the highest
// admissible bid, best price first, repeatedly filling
// min(buyRemaining, sellRemaining) and carrying partial remainders within
// the pass. Each pairing trades at its own resolved price; there is no
// uniform clearing price. Returns nil when the book is not crossed.
func (e *Engine) Match(c book.Contract) ([]Match, error) {
	if _, err := e.store.Market(c); err != nil {
		return nil, err
	}
	bidLimit, askLimit, ok := e.store.CrossLimits(c)
	if !ok {
		return nil, nil
	}

	var buys, sells []book.Order
	for _, o := range e.store.Orders(c) {
		switch {
		case o.Side == book.Buy && o.Price.Cmp(askLimit) >= 0:
			buys = append(buys, o)
		case o.Side == book.Sell && o.Price.Cmp(bidLimit) <= 0:
			sells = append(sells, o)
		}
	}

	e.sortSide(buys, true)
	e.sortSide(sells, false)

	var matches []Match
	for len(buys) > 0 && len(sells) > 0 {
		b, s := &buys[0], &sells[0]
		if b.Price.Cmp(s.Price) < 0 {
			break
		}

		amount := decimal.Min(b.Amount, s.Amount)
		matches = append(matches, Match{
			Buy:    ref(*b),
			Sell:   ref(*s),
			Price:  e.tradePrice(*b, *s),
			Amount: amount,
		})

		b.Amount = b.Amount.Sub(amount)
		s.Amount = s.Amount.Sub(amount)
		if b.Amount.IsZero() {
			buys = buys[1:]
		}
		if s.Amount.IsZero() {
			sells = sells[1:]
		}
	}

	if len(matches) > 0 {
		e.log.Infow("match_pass_complete", "contract", c,
			"matches", len(matches), "tie_break", e.policy.TieBreak)
	}
	return matches, nil
}

func ref(o book.Order) OrderRef {
	return OrderRef{Owner: o.Owner, ID: o.ID, Price: o.Price, Amount: o.Amount}
}

// sortSide orders one side best price first (buys descending, sells
// ascending), ranked by the policy key within a price level. The comparator
// is a total order: price, then policy rank, then id, then owner bytes, so
// no two distinct orders ever compare equal.
func (e *Engine) sortSide(orders []book.Order, descending bool) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if cmp := a.Price.Cmp(b.Price); cmp != 0 {
			if descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return e.ranksAbove(a, b)
	})
}

// ranksAbove is the policy priority between two orders, price aside.
func (e *Engine) ranksAbove(a, b book.Order) bool {
	if e.policy.TieBreak == TieByStake {
		sa, sb := e.policy.Stake[a.Owner], e.policy.Stake[b.Owner]
		if sa != sb {
			return sa > sb
		}
	}
	if a.ID != b.ID {
		return a.ID > b.ID
	}
	return bytes.Compare(a.Owner.Bytes(), b.Owner.Bytes()) > 0
}

// tradePrice resolves the execution price of one pairing: the price of
// whichever order ranks higher under the active priority policy.
func (e *Engine) tradePrice(buy, sell book.Order) decimal.D {
	if e.ranksAbove(buy, sell) {
		return buy.Price
	}
	return sell.Price
}

// Fingerprint renders a match list in a canonical byte form. Two nodes that
// computed the same pass produce identical fingerprints; anything else means
// divergence.
func Fingerprint(matches []Match) string {
	var buf bytes.Buffer
	for _, m := range matches {
		fmt.Fprintf(&buf, "%s/%d@%s+%s/%d@%s=%s@%s;",
			m.Buy.Owner.Hex(), m.Buy.ID, m.Buy.Price.Padded(),
			m.Sell.Owner.Hex(), m.Sell.ID, m.Sell.Price.Padded(),
			m.Amount.Padded(), m.Price.Padded())
	}
	return buf.String()
}
