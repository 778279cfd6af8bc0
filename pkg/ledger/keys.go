package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key kinds shared by every node on the ledger. The owner's address is the
// namespace, so each node writes only under its own keys and reads everyone's.
const (
	KindOrderBook  = "OrderBook"
	KindAuction    = "Auction"
	KindSettlement = "Settlement"
)

// OrderBookKey builds <owner>:OrderBook:<contract>.
func OrderBookKey(owner common.Address, contract string) string {
	return owner.Hex() + ":" + KindOrderBook + ":" + contract
}

// AuctionKey builds <owner>:Auction:<contract>:<height>.
func AuctionKey(owner common.Address, contract string, height uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d", owner.Hex(), KindAuction, contract, height)
}

// SettlementKey builds <owner>:Settlement:<contract>:<height>.
func SettlementKey(owner common.Address, contract string, height uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d", owner.Hex(), KindSettlement, contract, height)
}

// ParsedKey is the decoded form of a ledger key.
type ParsedKey struct {
	Owner    common.Address
	Kind     string
	Contract string
	Height   uint64 // Auction and Settlement keys only
}

// ParseKey decodes a ledger key. Keys written by other software may share the
// ledger; anything that does not match the convention returns an error and is
// skipped by scanners.
func ParseKey(key string) (ParsedKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ParsedKey{}, fmt.Errorf("ledger key %q: not namespaced", key)
	}
	if !common.IsHexAddress(parts[0]) {
		return ParsedKey{}, fmt.Errorf("ledger key %q: owner is not an address", key)
	}

	pk := ParsedKey{
		Owner:    common.HexToAddress(parts[0]),
		Kind:     parts[1],
		Contract: parts[2],
	}
	switch pk.Kind {
	case KindOrderBook:
		if len(parts) != 3 {
			return ParsedKey{}, fmt.Errorf("ledger key %q: malformed book key", key)
		}
	case KindAuction, KindSettlement:
		if len(parts) != 4 {
			return ParsedKey{}, fmt.Errorf("ledger key %q: missing height", key)
		}
		h, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return ParsedKey{}, fmt.Errorf("ledger key %q: bad height: %w", key, err)
		}
		pk.Height = h
	default:
		return ParsedKey{}, fmt.Errorf("ledger key %q: unknown kind %q", key, pk.Kind)
	}
	return pk, nil
}
