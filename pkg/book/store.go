package book

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
)

// Level is one aggregated price level of the market view.
type Level struct {
	Price  decimal.D `json:"p"`
	Amount decimal.D `json:"a"`
}

// MarketView is the ledger-wide aggregate for one contract: total published
// amount per price per side, across all owners including the local node.
// Buy levels sorted best (highest) first, sell levels best (lowest) first.
type MarketView struct {
	Buy  []Level
	Sell []Level
}

// NostroView is a snapshot of the local node's own open orders, sorted by id.
type NostroView struct {
	Buy  []Entry
	Sell []Entry
}

// Update is the change notification fanned out to subscribers (websocket
// hub, gossip publisher) after a book changes. Market entries carry no id.
type Update struct {
	Contract Contract `json:"contract"`
	Channel  string   `json:"channel"` // "market" or "nostro"
	Buy      []Entry  `json:"buy"`
	Sell     []Entry  `json:"sell"`
}

// Notifier receives book updates. Implementations must not block.
type Notifier interface {
	BookChanged(Update)
}

type nostroBook struct {
	buy  map[uint64]Entry
	sell map[uint64]Entry
}

func newNostroBook() *nostroBook {
	return &nostroBook{buy: make(map[uint64]Entry), sell: make(map[uint64]Entry)}
}

func (nb *nostroBook) side(s Side) map[uint64]Entry {
	if s == Buy {
		return nb.buy
	}
	return nb.sell
}

func (nb *nostroBook) clone() *nostroBook {
	out := newNostroBook()
	for id, e := range nb.buy {
		out.buy[id] = e
	}
	for id, e := range nb.sell {
		out.sell[id] = e
	}
	return out
}

// Store owns all order state the node derives from the ledger. It is
// constructed once at startup and injected into every component that needs
// book access; there is no package-level instance.
type Store struct {
	self   common.Address
	client ledger.Client
	log    *zap.SugaredLogger

	// one mutation at a time per contract; contracts proceed independently
	cmu map[Contract]*sync.Mutex

	mu     sync.RWMutex
	nostro map[Contract]*nostroBook
	market map[Contract]MarketView
	orders map[Contract][]Order // full per-owner snapshot from last refresh

	nmu       sync.RWMutex
	notifiers []Notifier
}

// NewStore builds a store for the configured contract set.
func NewStore(self common.Address, contracts []Contract, client ledger.Client, log *zap.SugaredLogger) *Store {
	s := &Store{
		self:   self,
		client: client,
		log:    log,
		cmu:    make(map[Contract]*sync.Mutex, len(contracts)),
		nostro: make(map[Contract]*nostroBook, len(contracts)),
		market: make(map[Contract]MarketView, len(contracts)),
		orders: make(map[Contract][]Order, len(contracts)),
	}
	for _, c := range contracts {
		s.cmu[c] = &sync.Mutex{}
		s.nostro[c] = newNostroBook()
	}
	return s
}

// Self returns the local node identity.
func (s *Store) Self() common.Address { return s.self }

// Contracts returns the configured contract set, sorted.
func (s *Store) Contracts() []Contract {
	out := make([]Contract, 0, len(s.cmu))
	for c := range s.cmu {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers a change notifier.
func (s *Store) Subscribe(n Notifier) {
	s.nmu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.nmu.Unlock()
}

func (s *Store) valid(c Contract) bool {
	_, ok := s.cmu[c]
	return ok
}

// AddLocalOrder inserts or replaces the local order under id and publishes
// the updated nostro book to the ledger. The in-memory book only changes
// after the ledger write succeeds.
func (s *Store) AddLocalOrder(ctx context.Context, c Contract, side Side, id uint64, price, amount decimal.D) error {
	if !s.valid(c) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}
	if side != Buy && side != Sell {
		return fmt.Errorf("add order: unknown side %q", side)
	}
	if !price.IsPositive() || !amount.IsPositive() {
		return fmt.Errorf("add order: price and amount must be positive")
	}

	s.cmu[c].Lock()
	defer s.cmu[c].Unlock()

	next := s.snapshotNostro(c).clone()
	next.side(side)[id] = Entry{ID: id, Price: price, Amount: amount}

	if err := s.publishNostro(ctx, c, next); err != nil {
		return err
	}
	s.commitNostro(c, next)
	return nil
}

// DeleteLocalOrder decrements the stored amount of the local order under id
// by amount; the entry is removed once nothing remains. Deleting an unknown
// id is a no-op, which makes settlement retries safe.
func (s *Store) DeleteLocalOrder(ctx context.Context, c Contract, side Side, id uint64, price, amount decimal.D) error {
	if !s.valid(c) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}
	if side != Buy && side != Sell {
		return fmt.Errorf("delete order: unknown side %q", side)
	}

	s.cmu[c].Lock()
	defer s.cmu[c].Unlock()

	next := s.snapshotNostro(c).clone()
	entry, ok := next.side(side)[id]
	if !ok {
		return nil
	}
	if entry.Price.Cmp(price) != 0 {
		s.log.Warnw("delete_price_mismatch",
			"contract", c, "id", id,
			"stored", entry.Price.String(), "given", price.String())
	}

	remaining := entry.Amount.Sub(amount)
	if remaining.Sign() <= 0 {
		delete(next.side(side), id)
	} else {
		entry.Amount = remaining
		next.side(side)[id] = entry
	}

	if err := s.publishNostro(ctx, c, next); err != nil {
		return err
	}
	s.commitNostro(c, next)
	return nil
}

// Fill is a consumed slice of one local order, produced by settlement.
type Fill struct {
	Side   Side
	ID     uint64
	Price  decimal.D
	Amount decimal.D
}

// ApplyFills rewrites the nostro book with the given fills deducted and
// publishes it together with the extra entries in a single ledger
// transaction, so a settlement pass is durable either completely or not at
// all. A fill that references a missing order or exceeds its remaining
// amount returns ErrInconsistentMatch before anything is written.
func (s *Store) ApplyFills(ctx context.Context, c Contract, fills []Fill, extra []ledger.TxEntry) error {
	if !s.valid(c) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}

	s.cmu[c].Lock()
	defer s.cmu[c].Unlock()

	next := s.snapshotNostro(c).clone()
	for _, f := range fills {
		entry, ok := next.side(f.Side)[f.ID]
		if !ok {
			return fmt.Errorf("%w: %s %s order %d not in nostro", ErrInconsistentMatch, c, f.Side, f.ID)
		}
		remaining := entry.Amount.Sub(f.Amount)
		if remaining.Sign() < 0 {
			return fmt.Errorf("%w: %s %s order %d: fill %s exceeds remaining %s",
				ErrInconsistentMatch, c, f.Side, f.ID, f.Amount.String(), entry.Amount.String())
		}
		if remaining.IsZero() {
			delete(next.side(f.Side), f.ID)
		} else {
			entry.Amount = remaining
			next.side(f.Side)[f.ID] = entry
		}
	}

	entries := extra
	if len(fills) > 0 {
		payload := Payload{
			Contract: string(c),
			Buy:      sortedEntries(next.buy),
			Sell:     sortedEntries(next.sell),
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("apply fills %s: %w", c, err)
		}
		entries = append(entries, ledger.TxEntry{
			Command: ledger.CmdSet,
			Key:     ledger.OrderBookKey(s.self, string(c)),
			Payload: raw,
		})
	}

	if err := s.client.Submit(ctx, entries); err != nil {
		return fmt.Errorf("apply fills %s: %w", c, err)
	}
	if len(fills) > 0 {
		s.commitNostro(c, next)
	}
	return nil
}

// RefreshFromLedger rebuilds the market projection and the per-owner order
// snapshot for a contract from a full ledger scan. The projection is always
// rebuilt wholesale; it is never patched incrementally.
func (s *Store) RefreshFromLedger(ctx context.Context, c Contract) error {
	if !s.valid(c) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}

	recs, err := s.client.Snapshot(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh %s: %w", c, err)
	}

	var orders []Order
	buyTotals := make(map[string]Level)
	sellTotals := make(map[string]Level)

	for _, rec := range recs {
		pk, err := ledger.ParseKey(rec.Key)
		if err != nil || pk.Kind != ledger.KindOrderBook || pk.Contract != string(c) {
			continue
		}
		p, err := DecodePayload(c, rec.Value)
		if err != nil {
			s.log.Warnw("book_record_skipped", "key", rec.Key, "err", err)
			continue
		}
		for _, e := range p.Buy {
			orders = append(orders, Order{Owner: pk.Owner, ID: e.ID, Side: Buy, Price: e.Price, Amount: e.Amount})
			accumulate(buyTotals, e)
		}
		for _, e := range p.Sell {
			orders = append(orders, Order{Owner: pk.Owner, ID: e.ID, Side: Sell, Price: e.Price, Amount: e.Amount})
			accumulate(sellTotals, e)
		}
	}

	view := MarketView{
		Buy:  sortedLevels(buyTotals, true),
		Sell: sortedLevels(sellTotals, false),
	}

	s.mu.Lock()
	s.market[c] = view
	s.orders[c] = orders
	s.mu.Unlock()

	s.notify(Update{
		Contract: c,
		Channel:  "market",
		Buy:      levelEntries(view.Buy),
		Sell:     levelEntries(view.Sell),
	})
	return nil
}

// ReplayNostro rebuilds the local nostro books from the node's own ledger
// records. Called once on startup so open orders survive a restart.
func (s *Store) ReplayNostro(ctx context.Context) error {
	recs, err := s.client.Snapshot(ctx, s.self.Hex()+":")
	if err != nil {
		return fmt.Errorf("replay nostro: %w", err)
	}

	for _, rec := range recs {
		pk, err := ledger.ParseKey(rec.Key)
		if err != nil || pk.Kind != ledger.KindOrderBook {
			continue
		}
		c := Contract(pk.Contract)
		if !s.valid(c) {
			s.log.Warnw("replay_unconfigured_contract", "contract", pk.Contract)
			continue
		}
		p, err := DecodePayload(c, rec.Value)
		if err != nil {
			s.log.Warnw("replay_record_skipped", "key", rec.Key, "err", err)
			continue
		}

		nb := newNostroBook()
		for _, e := range p.Buy {
			nb.buy[e.ID] = e
		}
		for _, e := range p.Sell {
			nb.sell[e.ID] = e
		}
		s.commitNostro(c, nb)
		s.log.Infow("nostro_replayed", "contract", c,
			"buy_orders", len(nb.buy), "sell_orders", len(nb.sell))
	}
	return nil
}

// Nostro returns a snapshot of the local book for a contract.
func (s *Store) Nostro(c Contract) (NostroView, error) {
	if !s.valid(c) {
		return NostroView{}, fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}
	nb := s.snapshotNostro(c)
	return NostroView{Buy: sortedEntries(nb.buy), Sell: sortedEntries(nb.sell)}, nil
}

// Market returns the aggregated view from the last refresh.
func (s *Store) Market(c Contract) (MarketView, error) {
	if !s.valid(c) {
		return MarketView{}, fmt.Errorf("%w: %q", ErrInvalidContract, c)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.market[c], nil
}

// Orders returns the full per-owner order snapshot from the last refresh.
// The matching engine consumes this: it needs owner and id, which the
// aggregated market view deliberately discards.
func (s *Store) Orders(c Contract) []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Order, len(s.orders[c]))
	copy(out, s.orders[c])
	return out
}

func (s *Store) snapshotNostro(c Contract) *nostroBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nostro[c]
}

func (s *Store) commitNostro(c Contract, nb *nostroBook) {
	s.mu.Lock()
	s.nostro[c] = nb
	s.mu.Unlock()

	s.notify(Update{
		Contract: c,
		Channel:  "nostro",
		Buy:      sortedEntries(nb.buy),
		Sell:     sortedEntries(nb.sell),
	})
}

func (s *Store) publishNostro(ctx context.Context, c Contract, nb *nostroBook) error {
	payload := Payload{
		Contract: string(c),
		Buy:      sortedEntries(nb.buy),
		Sell:     sortedEntries(nb.sell),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish nostro %s: %w", c, err)
	}
	err = s.client.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.OrderBookKey(s.self, string(c)),
		Payload: raw,
	}})
	if err != nil {
		return fmt.Errorf("publish nostro %s: %w", c, err)
	}
	return nil
}

func (s *Store) notify(u Update) {
	s.nmu.RLock()
	defer s.nmu.RUnlock()
	for _, n := range s.notifiers {
		n.BookChanged(u)
	}
}

func accumulate(totals map[string]Level, e Entry) {
	key := e.Price.Padded()
	lvl, ok := totals[key]
	if !ok {
		lvl = Level{Price: e.Price, Amount: decimal.Zero}
	}
	lvl.Amount = lvl.Amount.Add(e.Amount)
	totals[key] = lvl
}

func sortedLevels(totals map[string]Level, descending bool) []Level {
	out := make([]Level, 0, len(totals))
	for _, lvl := range totals {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.Cmp(out[j].Price) > 0
		}
		return out[i].Price.Cmp(out[j].Price) < 0
	})
	return out
}

func sortedEntries(m map[uint64]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func levelEntries(levels []Level) []Entry {
	out := make([]Entry, len(levels))
	for i, lvl := range levels {
		out[i] = Entry{Price: lvl.Price, Amount: lvl.Amount}
	}
	return out
}
