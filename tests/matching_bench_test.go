// file: tests/matching_bench_test.go
package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
)

// BenchmarkMatchingPass measures one full refresh+match pass over a book
// with realistic depth: 100 price levels per side spread across two owners,
// every level inside the crossing band.
func BenchmarkMatchingPass(b *testing.B) {
	ctx := context.Background()
	l := sharedLedger(b)
	n := newTradeNode(b, alice, l)

	publish := func(owner common.Address, p book.Payload) {
		raw, err := json.Marshal(p)
		if err != nil {
			b.Fatal(err)
		}
		err = l.Submit(ctx, []ledger.TxEntry{{
			Command: ledger.CmdSet,
			Key:     ledger.OrderBookKey(owner, string(btcXMR)),
			Payload: raw,
		}})
		if err != nil {
			b.Fatal(err)
		}
	}

	buys := make([]book.Entry, 0, 100)
	sells := make([]book.Entry, 0, 100)
	for i := 0; i < 100; i++ {
		// bids 100.00..199.00, asks 1.00..100.00: everything crosses
		buys = append(buys, book.Entry{
			ID:     uint64(i + 1),
			Price:  decimal.MustParse(fmt.Sprintf("%d", 100+i)),
			Amount: decimal.MustParse("2"),
		})
		sells = append(sells, book.Entry{
			ID:     uint64(i + 1),
			Price:  decimal.MustParse(fmt.Sprintf("%d", 1+i)),
			Amount: decimal.MustParse("2"),
		})
	}
	publish(alice, book.Payload{Contract: string(btcXMR), Buy: buys})
	publish(bob, book.Payload{Contract: string(btcXMR), Sell: sells})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := n.store.RefreshFromLedger(ctx, btcXMR); err != nil {
			b.Fatal(err)
		}
		matches, err := n.engine.Match(btcXMR)
		if err != nil {
			b.Fatal(err)
		}
		if len(matches) == 0 {
			b.Fatal("expected matches")
		}
	}
}
