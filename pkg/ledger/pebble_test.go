package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func openTestLedger(t *testing.T) *PebbleLedger {
	t.Helper()
	l, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSubmitAndSnapshot(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	err := l.Submit(ctx, []TxEntry{
		{Command: CmdSet, Key: "a:OrderBook:BTC_XMR", Payload: []byte("one")},
		{Command: CmdSet, Key: "b:OrderBook:BTC_XMR", Payload: []byte("two")},
		{Command: CmdSet, Key: "b:OrderBook:ETH_BTC", Payload: []byte("three")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	all, err := l.Snapshot(ctx, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(all))
	}

	filtered, err := l.Snapshot(ctx, "b:")
	if err != nil {
		t.Fatalf("snapshot prefix: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("prefix snapshot size = %d, want 2", len(filtered))
	}
	for _, r := range filtered {
		if r.Key[:2] != "b:" {
			t.Errorf("unexpected key %q in prefix scan", r.Key)
		}
	}
}

func TestHeightAdvances(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	h, err := l.Height(ctx)
	if err != nil || h != 0 {
		t.Fatalf("initial height = %d, err %v", h, err)
	}

	if err := l.Submit(ctx, []TxEntry{{Command: CmdSet, Key: "k", Payload: []byte("v")}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Advance(ctx); err != nil {
		t.Fatal(err)
	}

	h, _ = l.Height(ctx)
	if h != 2 {
		t.Fatalf("height = %d, want 2", h)
	}

	// Empty submit is a no-op, not a block.
	if err := l.Submit(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if h, _ = l.Height(ctx); h != 2 {
		t.Fatalf("height after empty submit = %d, want 2", h)
	}
}

func TestDeleteCommand(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.Submit(ctx, []TxEntry{{Command: CmdSet, Key: "k", Payload: []byte("v")}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Submit(ctx, []TxEntry{{Command: CmdDelete, Key: "k"}}); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Snapshot(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty state, got %d records", len(recs))
	}
}

func TestCancelledContext(t *testing.T) {
	l := openTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Snapshot(ctx, ""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("snapshot err = %v, want ErrUnavailable", err)
	}
	if err := l.Submit(ctx, []TxEntry{{Command: CmdSet, Key: "k"}}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("submit err = %v, want ErrUnavailable", err)
	}
}

func TestWatch(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	ch := l.Watch()
	if err := l.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case h := <-ch:
		if h != 1 {
			t.Fatalf("watched height = %d, want 1", h)
		}
	default:
		t.Fatal("no height notification")
	}
}

func TestParseKey(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")

	tests := []struct {
		name    string
		key     string
		kind    string
		height  uint64
		wantErr bool
	}{
		{name: "book", key: OrderBookKey(owner, "BTC_XMR"), kind: KindOrderBook},
		{name: "auction", key: AuctionKey(owner, "BTC_XMR", 42), kind: KindAuction, height: 42},
		{name: "settlement", key: SettlementKey(owner, "ETH_BTC", 7), kind: KindSettlement, height: 7},
		{name: "no namespace", key: "OrderBook:BTC_XMR", wantErr: true},
		{name: "bad owner", key: "nobody:OrderBook:BTC_XMR", wantErr: true},
		{name: "unknown kind", key: owner.Hex() + ":Gossip:BTC_XMR", wantErr: true},
		{name: "auction missing height", key: owner.Hex() + ":Auction:BTC_XMR", wantErr: true},
		{name: "auction bad height", key: owner.Hex() + ":Auction:BTC_XMR:soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pk, err := ParseKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) err = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if pk.Owner != owner || pk.Kind != tt.kind || pk.Height != tt.height {
				t.Errorf("ParseKey(%q) = %+v", tt.key, pk)
			}
		})
	}
}
