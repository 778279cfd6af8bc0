package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Auction holds the consistency-sensitive knobs. These must be identical on
// every participating node: they feed the deterministic matching pass.
type Auction struct {
	// Contracts is the configured contract set; the book rejects anything
	// else with InvalidContract.
	Contracts []string
	// WaitingPeriod is the number of ledger heights between a lock
	// announcement and settlement eligibility.
	WaitingPeriod uint64
	// SettlementHorizon bounds how far back startup recovery scans for
	// unresolved lock announcements.
	SettlementHorizon uint64
	// TieBreak selects the secondary match ordering: "order-id" or "stake".
	TieBreak string
	// StakeWeights maps owner address to declared stake, consulted only
	// under the "stake" tie-break.
	StakeWeights map[common.Address]uint64
}

type Node struct {
	// Identity is the node's owner address on the ledger. Derived from
	// NODE_KEY when one is configured, otherwise taken verbatim from
	// NODE_ADDRESS.
	Identity common.Address

	LedgerPath    string
	PollInterval  time.Duration
	LedgerTimeout time.Duration
	LogFile       string
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Gossip struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
}

type Config struct {
	Auction Auction
	Node    Node
	API     API
	Gossip  Gossip
}

func Default() Config {
	return Config{
		Auction: Auction{
			Contracts:         []string{"BTC_XMR", "ETH_BTC"},
			WaitingPeriod:     9,
			SettlementHorizon: 100,
			TieBreak:          "order-id",
			StakeWeights:      map[common.Address]uint64{},
		},
		Node: Node{
			LedgerPath:    "data/ledger",
			PollInterval:  time.Second,
			LedgerTimeout: 5 * time.Second,
			LogFile:       "data/node.log",
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Gossip: Gossip{Enabled: false},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if key := os.Getenv("NODE_KEY"); key != "" {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return cfg, fmt.Errorf("NODE_KEY: %w", err)
		}
		cfg.Node.Identity = crypto.PubkeyToAddress(priv.PublicKey)
	} else if addr := os.Getenv("NODE_ADDRESS"); addr != "" {
		if !common.IsHexAddress(addr) {
			return cfg, fmt.Errorf("NODE_ADDRESS %q is not an address", addr)
		}
		cfg.Node.Identity = common.HexToAddress(addr)
	}

	if v := os.Getenv("CONTRACTS"); v != "" {
		cfg.Auction.Contracts = splitList(v)
	}
	if v := os.Getenv("WAITING_PERIOD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Auction.WaitingPeriod = n
		}
	}
	if v := os.Getenv("SETTLEMENT_HORIZON"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Auction.SettlementHorizon = n
		}
	}
	if v := os.Getenv("TIE_BREAK"); v != "" {
		if v != "order-id" && v != "stake" {
			return cfg, fmt.Errorf("TIE_BREAK %q: want order-id or stake", v)
		}
		cfg.Auction.TieBreak = v
	}
	if v := os.Getenv("STAKE_WEIGHTS"); v != "" {
		weights, err := parseStakeWeights(v)
		if err != nil {
			return cfg, err
		}
		cfg.Auction.StakeWeights = weights
	}

	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Node.LedgerPath = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Node.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LEDGER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Node.LedgerTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("API_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = splitList(v)
	}

	if v := os.Getenv("GOSSIP_ENABLED"); v != "" {
		cfg.Gossip.Enabled = v == "true"
	}
	if v := os.Getenv("GOSSIP_LISTEN"); v != "" {
		cfg.Gossip.ListenAddr = v
	}
	if v := os.Getenv("GOSSIP_BOOTSTRAP"); v != "" {
		cfg.Gossip.Bootstrap = splitList(v)
	}

	return cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseStakeWeights decodes "0xaddr=weight,0xaddr=weight".
func parseStakeWeights(v string) (map[common.Address]uint64, error) {
	out := make(map[common.Address]uint64)
	for _, pair := range splitList(v) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
			return nil, fmt.Errorf("STAKE_WEIGHTS entry %q: want 0xaddress=weight", pair)
		}
		w, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("STAKE_WEIGHTS entry %q: %w", pair, err)
		}
		out[common.HexToAddress(parts[0])] = w
	}
	return out, nil
}
