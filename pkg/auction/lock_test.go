package auction

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
	"github.com/openclob/meshbook/pkg/match"
)

var (
	self   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	btcXMR = book.Contract("BTC_XMR")
)

func newLocks(t *testing.T, waitingPeriod, horizon uint64) (*Locks, *ledger.PebbleLedger) {
	t.Helper()
	l, err := ledger.OpenPebble(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return NewLocks(self, l, waitingPeriod, horizon, zap.NewNop().Sugar()), l
}

func TestLockLifecycle(t *testing.T) {
	lk, _ := newLocks(t, 9, 100)
	ctx := context.Background()

	if got := lk.Status(btcXMR); got.State != Open {
		t.Fatalf("initial state = %s", got.State)
	}

	if err := lk.Raise(ctx, btcXMR, 100); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.State != Locked || got.Height != 100 {
		t.Fatalf("after raise: %+v", got)
	}

	// Duplicate raise while locked is a no-op, not an error.
	if err := lk.Raise(ctx, btcXMR, 105); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.Height != 100 {
		t.Fatalf("duplicate raise moved the lock: %+v", got)
	}

	if !lk.BeginSettling(btcXMR) {
		t.Fatal("BeginSettling refused an eligible lock")
	}
	if lk.BeginSettling(btcXMR) {
		t.Fatal("BeginSettling accepted a second concurrent pass")
	}
	if got := lk.Status(btcXMR); got.State != Settling {
		t.Fatalf("state = %s, want settling", got.State)
	}

	lk.Release(btcXMR)
	if got := lk.Status(btcXMR); got.State != Open {
		t.Fatalf("after release: %+v", got)
	}
}

// Lock raised at height 100 with waitingPeriod 9: no settlement before 109,
// eligible from 109 on.
func TestSettleEligibilityWindow(t *testing.T) {
	lk, _ := newLocks(t, 9, 100)
	if err := lk.Raise(context.Background(), btcXMR, 100); err != nil {
		t.Fatal(err)
	}

	for _, h := range []uint64{100, 105, 108} {
		if lk.SettleEligible(btcXMR, h) {
			t.Errorf("eligible at height %d, want not before 109", h)
		}
	}
	for _, h := range []uint64{109, 110, 200} {
		if !lk.SettleEligible(btcXMR, h) {
			t.Errorf("not eligible at height %d", h)
		}
	}

	if lk.SettleEligible("ETH_BTC", 200) {
		t.Error("unlocked contract reported eligible")
	}
}

func TestAbortReturnsToLocked(t *testing.T) {
	lk, _ := newLocks(t, 9, 100)
	ctx := context.Background()

	if err := lk.Raise(ctx, btcXMR, 50); err != nil {
		t.Fatal(err)
	}
	if !lk.BeginSettling(btcXMR) {
		t.Fatal("BeginSettling failed")
	}
	lk.Abort(btcXMR)

	// Same precondition as before the failed pass: still locked at 50,
	// so the next trigger can retry.
	if got := lk.Status(btcXMR); got.State != Locked || got.Height != 50 {
		t.Fatalf("after abort: %+v", got)
	}
	if !lk.BeginSettling(btcXMR) {
		t.Fatal("retry after abort refused")
	}
}

type failingLedger struct {
	ledger.Client
}

func (failingLedger) Submit(context.Context, []ledger.TxEntry) error {
	return ledger.ErrUnavailable
}

func TestRaiseFailureStaysOpen(t *testing.T) {
	lk, l := newLocks(t, 9, 100)
	ctx := context.Background()

	lk.client = failingLedger{Client: l}
	if err := lk.Raise(ctx, btcXMR, 10); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if got := lk.Status(btcXMR); got.State != Open {
		t.Fatalf("state after failed announce = %s, want open", got.State)
	}

	// Next trigger retries from the same precondition.
	lk.client = l
	if err := lk.Raise(ctx, btcXMR, 11); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.State != Locked || got.Height != 11 {
		t.Fatalf("retry did not lock: %+v", got)
	}
}

func TestRecover(t *testing.T) {
	lk, l := newLocks(t, 9, 100)
	ctx := context.Background()
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	// Unresolved announcement from another node within the horizon.
	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "BTC_XMR", 150),
		Payload: []byte(`{"contract":"BTC_XMR","height":150}`),
	}}); err != nil {
		t.Fatal(err)
	}
	// Resolved announcement: a settlement record exists for its height.
	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "ETH_BTC", 140),
		Payload: []byte(`{"contract":"ETH_BTC","height":140}`),
	}, {
		Command: ledger.CmdSet,
		Key:     ledger.SettlementKey(other, "ETH_BTC", 140),
		Payload: []byte(`[]`),
	}}); err != nil {
		t.Fatal(err)
	}
	// Announcement older than the horizon.
	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "XMR_LTC", 10),
		Payload: []byte(`{"contract":"XMR_LTC","height":10}`),
	}}); err != nil {
		t.Fatal(err)
	}

	if err := lk.Recover(ctx, 200); err != nil {
		t.Fatal(err)
	}

	if got := lk.Status("BTC_XMR"); got.State != Locked || got.Height != 150 {
		t.Errorf("BTC_XMR = %+v, want locked at 150", got)
	}
	if got := lk.Status("ETH_BTC"); got.State != Open {
		t.Errorf("ETH_BTC = %+v, want open (already settled)", got)
	}
	if got := lk.Status("XMR_LTC"); got.State != Open {
		t.Errorf("XMR_LTC = %+v, want open (beyond horizon)", got)
	}
}

// A running node that has not yet detected the cross must adopt a peer's
// announcement at the peer's height, so both windows elapse together.
func TestSyncAdoptsRunningPeerLock(t *testing.T) {
	lk, l := newLocks(t, 9, 100)
	ctx := context.Background()
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "BTC_XMR", 50),
		Payload: []byte(`{"contract":"BTC_XMR","height":50}`),
	}}); err != nil {
		t.Fatal(err)
	}

	if err := lk.Sync(ctx, 55); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.State != Locked || got.Height != 50 {
		t.Fatalf("after sync: %+v, want locked at 50", got)
	}

	// the local cross detection firing afterwards must not move the lock
	if err := lk.Raise(ctx, btcXMR, 55); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.Height != 50 {
		t.Fatalf("raise over adopted lock moved it: %+v", got)
	}
}

// When two announcements race onto the ledger, every node converges on the
// earliest height, whichever one it raised itself.
func TestSyncPrefersEarliestAnnouncement(t *testing.T) {
	lk, l := newLocks(t, 9, 100)
	ctx := context.Background()
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if err := lk.Raise(ctx, btcXMR, 52); err != nil {
		t.Fatal(err)
	}
	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "BTC_XMR", 50),
		Payload: []byte(`{"contract":"BTC_XMR","height":50}`),
	}}); err != nil {
		t.Fatal(err)
	}

	if err := lk.Sync(ctx, 55); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.State != Locked || got.Height != 50 {
		t.Fatalf("after sync: %+v, want locked at 50", got)
	}
}

func TestSyncLeavesSettlingAlone(t *testing.T) {
	lk, l := newLocks(t, 9, 100)
	ctx := context.Background()
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if err := lk.Raise(ctx, btcXMR, 50); err != nil {
		t.Fatal(err)
	}
	if !lk.BeginSettling(btcXMR) {
		t.Fatal("BeginSettling refused")
	}
	if err := l.Submit(ctx, []ledger.TxEntry{{
		Command: ledger.CmdSet,
		Key:     ledger.AuctionKey(other, "BTC_XMR", 40),
		Payload: []byte(`{"contract":"BTC_XMR","height":40}`),
	}}); err != nil {
		t.Fatal(err)
	}

	if err := lk.Sync(ctx, 55); err != nil {
		t.Fatal(err)
	}
	if got := lk.Status(btcXMR); got.State != Settling || got.Height != 50 {
		t.Fatalf("sync disturbed a settling pass: %+v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if got := r.Pending(btcXMR); len(got) != 0 {
		t.Fatalf("fresh registry not empty: %v", got)
	}

	one := decimal.MustParse("1")
	m := match.Match{Price: one, Amount: one}
	r.Put(btcXMR, []match.Match{m})
	if got := r.Pending(btcXMR); len(got) != 1 {
		t.Fatalf("pending = %d, want 1", len(got))
	}

	// Pending returns a copy, not the backing slice.
	got := r.Pending(btcXMR)
	got[0].Amount = decimal.Zero
	if r.Pending(btcXMR)[0].Amount.Cmp(one) != 0 {
		t.Error("Pending leaked the backing slice")
	}

	r.Clear(btcXMR)
	if got := r.Pending(btcXMR); len(got) != 0 {
		t.Fatalf("registry not cleared: %v", got)
	}
}
