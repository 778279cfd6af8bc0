package match

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
)

var (
	nodeA = common.HexToAddress("0x00000000000000000000000000000000000000Aa")
	nodeB = common.HexToAddress("0x00000000000000000000000000000000000000Bb")

	btcXMR = book.Contract("BTC_XMR")
)

func d(t *testing.T, s string) decimal.D {
	t.Helper()
	v, err := decimal.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// marketOf builds a store whose refresh has already seen the given books.
func marketOf(t *testing.T, books map[common.Address]book.Payload) *book.Store {
	t.Helper()
	l, err := ledger.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	ctx := context.Background()
	for owner, p := range books {
		p.Contract = string(btcXMR)
		raw, err := json.Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		err = l.Submit(ctx, []ledger.TxEntry{{
			Command: ledger.CmdSet,
			Key:     ledger.OrderBookKey(owner, p.Contract),
			Payload: raw,
		}})
		if err != nil {
			t.Fatal(err)
		}
	}

	s := book.NewStore(nodeA, []book.Contract{btcXMR}, l, zap.NewNop().Sugar())
	if err := s.RefreshFromLedger(ctx, btcXMR); err != nil {
		t.Fatal(err)
	}
	return s
}

func entry(t *testing.T, id uint64, price, amount string) book.Entry {
	return book.Entry{ID: id, Price: d(t, price), Amount: d(t, amount)}
}

func TestMatchDeterminism(t *testing.T) {
	books := map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{
			entry(t, 1, "10", "5"),
			entry(t, 2, "10", "3"),
		}},
		nodeB: {Sell: []book.Entry{
			entry(t, 3, "9", "4"),
		}},
	}

	s := marketOf(t, books)
	first, err := NewEngine(s, Policy{TieBreak: TieByOrderID}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	// Independent engine over an independently rebuilt snapshot.
	second, err := NewEngine(marketOf(t, books), Policy{TieBreak: TieByOrderID}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}

	if Fingerprint(first) != Fingerprint(second) {
		t.Fatalf("runs diverged:\n%s\n%s", Fingerprint(first), Fingerprint(second))
	}

	// Larger id ranks first within the price level: order 2 fills before 1.
	if len(first) != 2 {
		t.Fatalf("matches = %d, want 2", len(first))
	}
	if first[0].Buy.ID != 2 || first[0].Amount.Cmp(d(t, "3")) != 0 {
		t.Errorf("first match = buy %d amount %s", first[0].Buy.ID, first[0].Amount.String())
	}
	if first[1].Buy.ID != 1 || first[1].Amount.Cmp(d(t, "1")) != 0 {
		t.Errorf("second match = buy %d amount %s", first[1].Buy.ID, first[1].Amount.String())
	}
}

func TestPartialFillCarryOver(t *testing.T) {
	s := marketOf(t, map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{entry(t, 1, "10", "5")}},
		nodeB: {Sell: []book.Entry{
			entry(t, 2, "9", "3"),
			entry(t, 3, "9.5", "4"),
		}},
	})

	matches, err := NewEngine(s, Policy{}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}

	// buy(10,5) vs sell(9,3): amount 3, residual buy remainder 2 pairs with
	// the next sell inside the same pass.
	if matches[0].Sell.ID != 2 || matches[0].Amount.Cmp(d(t, "3")) != 0 {
		t.Errorf("first = sell %d amount %s", matches[0].Sell.ID, matches[0].Amount.String())
	}
	if matches[1].Sell.ID != 3 || matches[1].Amount.Cmp(d(t, "2")) != 0 {
		t.Errorf("carry-over = sell %d amount %s", matches[1].Sell.ID, matches[1].Amount.String())
	}
}

func TestNoCrossNoMatches(t *testing.T) {
	s := marketOf(t, map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{entry(t, 1, "9", "5")}},
		nodeB: {Sell: []book.Entry{entry(t, 2, "9.5", "5")}},
	})

	matches, err := NewEngine(s, Policy{}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if matches != nil {
		t.Fatalf("matches = %v, want none", matches)
	}
}

func TestBandExcludesOutsideOrders(t *testing.T) {
	s := marketOf(t, map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{
			entry(t, 1, "10", "1"),
			entry(t, 2, "8", "100"), // below the lowest admissible ask
		}},
		nodeB: {Sell: []book.Entry{
			entry(t, 3, "9", "1"),
			entry(t, 4, "11", "100"), // above the highest admissible bid
		}},
	})

	matches, err := NewEngine(s, Policy{}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Buy.ID != 1 || matches[0].Sell.ID != 3 {
		t.Errorf("matched %d/%d, want 1/3", matches[0].Buy.ID, matches[0].Sell.ID)
	}
}

func TestStakeTieBreak(t *testing.T) {
	books := map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{entry(t, 9, "10", "2")}},  // larger id
		nodeB: {Buy: []book.Entry{entry(t, 1, "10", "2")}},  // larger stake
	}
	books[nodeB] = book.Payload{
		Buy:  books[nodeB].Buy,
		Sell: []book.Entry{entry(t, 2, "9", "1")},
	}

	policy := Policy{
		TieBreak: TieByStake,
		Stake:    map[common.Address]uint64{nodeA: 10, nodeB: 100},
	}
	matches, err := NewEngine(marketOf(t, books), policy, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	// Under stake priority nodeB's buy outranks nodeA's despite the smaller id.
	if matches[0].Buy.Owner != nodeB {
		t.Errorf("winning buy owner = %s, want %s", matches[0].Buy.Owner.Hex(), nodeB.Hex())
	}
}

func TestTradePriceFollowsPriority(t *testing.T) {
	// Sell has the larger id, so the pairing trades at the sell price.
	s := marketOf(t, map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{entry(t, 1, "10", "1")}},
		nodeB: {Sell: []book.Entry{entry(t, 5, "9", "1")}},
	})
	matches, err := NewEngine(s, Policy{}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Price.Cmp(d(t, "9")) != 0 {
		t.Fatalf("trade price = %s, want 9", matches[0].Price.String())
	}

	// Buy has the larger id, so its price wins.
	s = marketOf(t, map[common.Address]book.Payload{
		nodeA: {Buy: []book.Entry{entry(t, 5, "10", "1")}},
		nodeB: {Sell: []book.Entry{entry(t, 1, "9", "1")}},
	})
	matches, err = NewEngine(s, Policy{}, zap.NewNop().Sugar()).Match(btcXMR)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Price.Cmp(d(t, "10")) != 0 {
		t.Fatalf("trade price = %s, want 10", matches[0].Price.String())
	}
}
