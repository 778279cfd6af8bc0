// Package book holds the order-book model: the node's own nostro slice per
// contract, the ledger-wide market projection derived from every node's
// published book, and cross detection over that projection. All ledger
// scanning for order state happens here; other components read the store's
// derived views instead of scanning on their own.
package book

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/meshbook/pkg/decimal"
)

// ErrInvalidContract rejects operations on a contract the node is not
// configured to trade. Never retried.
var ErrInvalidContract = errors.New("invalid contract")

// ErrInconsistentMatch means a locally computed match would consume more of
// an order than that order has remaining. If matching determinism holds this
// never happens; it indicates independently computing nodes have diverged,
// so it gets loud logging and no silent recovery.
var ErrInconsistentMatch = errors.New("inconsistent match")

// Contract is a tradable asset-pair identifier, e.g. "BTC_XMR".
type Contract string

var contractPattern = regexp.MustCompile(`^[0-9A-Za-z]{2,6}_[0-9A-Za-z]{2,6}$`)

// ParseContract validates a contract identifier.
func ParseContract(s string) (Contract, error) {
	if !contractPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidContract, s)
	}
	return Contract(s), nil
}

// Base returns the base currency code (left of the separator).
func (c Contract) Base() string {
	return strings.SplitN(string(c), "_", 2)[0]
}

// Quote returns the quote currency code (right of the separator).
func (c Contract) Quote() string {
	parts := strings.SplitN(string(c), "_", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Order is one open order as every node sees it on the ledger. ID is unique
// per owner and side; the owner is the only node that may mutate it.
type Order struct {
	Owner  common.Address
	ID     uint64
	Side   Side
	Price  decimal.D
	Amount decimal.D
}

// Entry is the wire form of one order inside a published book.
type Entry struct {
	ID     uint64    `json:"id"`
	Price  decimal.D `json:"p"`
	Amount decimal.D `json:"a"`
}

// Payload is the JSON value stored under an OrderBook ledger key: one node's
// complete nostro book for one contract.
type Payload struct {
	Contract string  `json:"contract"`
	Buy      []Entry `json:"buy"`
	Sell     []Entry `json:"sell"`
}

// DecodePayload parses and validates a published book record. Malformed
// records are skipped by scanners, so every reason to reject is an error
// here rather than a silent fix-up.
func DecodePayload(contract Contract, raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("book payload: %w", err)
	}
	if p.Contract != string(contract) {
		return Payload{}, fmt.Errorf("book payload: contract %q under key for %q", p.Contract, contract)
	}
	for _, side := range [][]Entry{p.Buy, p.Sell} {
		seen := make(map[uint64]bool, len(side))
		for _, e := range side {
			if !e.Price.IsPositive() {
				return Payload{}, fmt.Errorf("book payload: order %d: non-positive price", e.ID)
			}
			if !e.Amount.IsPositive() {
				return Payload{}, fmt.Errorf("book payload: order %d: non-positive amount", e.ID)
			}
			if seen[e.ID] {
				return Payload{}, fmt.Errorf("book payload: duplicate order id %d", e.ID)
			}
			seen[e.ID] = true
		}
	}
	return p, nil
}
