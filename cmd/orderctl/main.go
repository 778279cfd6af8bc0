// orderctl places or cancels an order directly against a ledger directory.
// Development tool: it performs the same nostro mutation a running node
// does through its API, useful for seeding books in a local setup.
//
// Usage:
//
//	orderctl -ledger data/ledger -owner 0x... add BTC_XMR buy 1 9.50000000 2
//	orderctl -ledger data/ledger -owner 0x... cancel BTC_XMR buy 1 9.50000000 2
//	orderctl -ledger data/ledger dump
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/decimal"
	"github.com/openclob/meshbook/pkg/ledger"
)

func main() {
	ledgerPath := flag.String("ledger", "data/ledger", "ledger directory")
	owner := flag.String("owner", "", "owner address (0x...)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	chain, err := ledger.OpenPebble(*ledgerPath)
	if err != nil {
		fatal("open ledger: %v", err)
	}
	defer chain.Close()

	ctx := context.Background()

	if args[0] == "dump" {
		dump(ctx, chain)
		return
	}

	if len(args) != 6 {
		usage()
	}
	if !common.IsHexAddress(*owner) {
		fatal("-owner must be a hex address")
	}

	contract, err := book.ParseContract(args[1])
	if err != nil {
		fatal("%v", err)
	}
	side := book.Side(args[2])
	id, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		fatal("order id: %v", err)
	}
	price, err := decimal.Parse(args[4])
	if err != nil {
		fatal("%v", err)
	}
	amount, err := decimal.Parse(args[5])
	if err != nil {
		fatal("%v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fatal("logger: %v", err)
	}
	store := book.NewStore(common.HexToAddress(*owner), []book.Contract{contract}, chain, logger.Sugar())
	if err := store.ReplayNostro(ctx); err != nil {
		fatal("replay: %v", err)
	}

	switch args[0] {
	case "add":
		err = store.AddLocalOrder(ctx, contract, side, id, price, amount)
	case "cancel":
		err = store.DeleteLocalOrder(ctx, contract, side, id, price, amount)
	default:
		usage()
	}
	if err != nil {
		fatal("%v", err)
	}
	fmt.Printf("%s %s %s order %d: %s @ %s\n", args[0], contract, side, id, amount.String(), price.String())
}

func dump(ctx context.Context, chain *ledger.PebbleLedger) {
	height, err := chain.Height(ctx)
	if err != nil {
		fatal("height: %v", err)
	}
	recs, err := chain.Snapshot(ctx, "")
	if err != nil {
		fatal("snapshot: %v", err)
	}
	fmt.Printf("height %d, %d records\n", height, len(recs))
	for _, r := range recs {
		fmt.Printf("%s\t%s\n", r.Key, r.Value)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orderctl [-ledger dir] [-owner 0x...] add|cancel <contract> <buy|sell> <id> <price> <amount>")
	fmt.Fprintln(os.Stderr, "       orderctl [-ledger dir] dump")
	os.Exit(2)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
