package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/openclob/meshbook/params"
	"github.com/openclob/meshbook/pkg/api"
	"github.com/openclob/meshbook/pkg/auction"
	"github.com/openclob/meshbook/pkg/book"
	"github.com/openclob/meshbook/pkg/gossip"
	"github.com/openclob/meshbook/pkg/ledger"
	"github.com/openclob/meshbook/pkg/match"
	"github.com/openclob/meshbook/pkg/node"
	"github.com/openclob/meshbook/pkg/settle"
	"github.com/openclob/meshbook/pkg/util"
)

func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Node.Identity == (common.Address{}) {
		log.Fatal("config: NODE_KEY or NODE_ADDRESS is required")
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("node_starting", "identity", cfg.Node.Identity.Hex(),
		"contracts", cfg.Auction.Contracts, "waiting_period", cfg.Auction.WaitingPeriod)

	var contracts []book.Contract
	for _, s := range cfg.Auction.Contracts {
		c, err := book.ParseContract(s)
		if err != nil {
			sugar.Fatalw("bad_contract", "contract", s, "err", err)
		}
		contracts = append(contracts, c)
	}

	// ---- Ledger ----
	chain, err := ledger.OpenPebble(cfg.Node.LedgerPath)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Node.LedgerPath, "err", err)
	}
	defer chain.Close()

	// ---- Core ----
	store := book.NewStore(cfg.Node.Identity, contracts, chain, sugar)
	locks := auction.NewLocks(cfg.Node.Identity, chain,
		cfg.Auction.WaitingPeriod, cfg.Auction.SettlementHorizon, sugar)
	registry := auction.NewRegistry()
	engine := match.NewEngine(store, match.Policy{
		TieBreak: match.TieBreak(cfg.Auction.TieBreak),
		Stake:    cfg.Auction.StakeWeights,
	}, sugar)
	settler := settle.New(store, locks, registry, sugar)

	n := node.New(store, locks, registry, engine, settler, chain, util.RealClock{}, node.Config{
		PollInterval:  cfg.Node.PollInterval,
		LedgerTimeout: cfg.Node.LedgerTimeout,
	}, sugar)
	store.Subscribe(n)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Gossip (optional) ----
	if cfg.Gossip.Enabled {
		pub, err := gossip.NewPublisher(ctx, gossip.Config{
			ListenAddr: cfg.Gossip.ListenAddr,
			Bootstrap:  cfg.Gossip.Bootstrap,
			Logger:     sugar,
			OnRemoteUpdate: func(u book.Update) {
				n.Trigger(u.Contract)
			},
		})
		if err != nil {
			sugar.Fatalw("gossip_init_failed", "err", err)
		}
		defer pub.Close()
		store.Subscribe(pub)
	}

	// ---- API ----
	server := api.NewServer(store, locks, chain, cfg.API.AllowedOrigins, sugar)
	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_failed", "err", err)
		}
	}()

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}
