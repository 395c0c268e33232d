package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chain-estate/ches-tracker/pkg/brackets"
	"github.com/chain-estate/ches-tracker/pkg/covalent"
	"github.com/chain-estate/ches-tracker/pkg/tracker"
	"github.com/chain-estate/ches-tracker/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
)

const (
	HeightSourceRPC      = "rpc"
	HeightSourceCovalent = "covalent"

	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is everything the tracker process reads from the environment.
type Config struct {
	Contract string
	ChainID  int
	RPCURL   string

	CovalentAPIKey    string
	CovalentEndpoints []string
	CovalentRPS       float64
	CovalentBurst     int
	CovalentPageSize  int
	CovalentMaxPages  int

	HeightSource    string
	Lookback        uint64
	PollInterval    time.Duration
	PollCron        string
	CycleTimeout    time.Duration
	MinBucketDigits int
	BalanceWorkers  int

	StoreBackend string
	StateFile    string

	RedisEnabled       bool
	ClickHouseEnabled  bool
	ClickHouseDatabase string

	Addr string
}

func LoadConfig() Config {
	return Config{
		Contract: strings.ToLower(strings.TrimSpace(utils.Env("CONTRACT_ADDRESS", ""))),
		ChainID:  utils.EnvInt("CHAIN_ID", covalent.DefaultChainID),
		RPCURL:   utils.Env("RPC_URL", "https://bsc-dataseed.binance.org/"),

		CovalentAPIKey:    utils.Env("COVALENT_API_KEY", ""),
		CovalentEndpoints: utils.EnvList("COVALENT_ENDPOINTS", []string{covalent.DefaultEndpoint}),
		CovalentRPS:       utils.EnvFloat("COVALENT_RPS", 4),
		CovalentBurst:     utils.EnvInt("COVALENT_BURST", 8),
		CovalentPageSize:  utils.EnvInt("COVALENT_PAGE_SIZE", covalent.DefaultPageSize),
		CovalentMaxPages:  utils.EnvInt("COVALENT_MAX_PAGES", covalent.DefaultMaxPages),

		HeightSource:    strings.ToLower(utils.Env("HEIGHT_SOURCE", HeightSourceRPC)),
		Lookback:        utils.EnvUint64("LOOKBACK_BLOCKS", tracker.DefaultLookback),
		PollInterval:    utils.EnvDuration("POLL_INTERVAL", 30*time.Second),
		PollCron:        utils.Env("POLL_CRON", ""),
		CycleTimeout:    utils.EnvDuration("CYCLE_TIMEOUT", 5*time.Minute),
		MinBucketDigits: utils.EnvInt("MIN_BUCKET_DIGITS", brackets.DefaultMinDigits),
		BalanceWorkers:  utils.EnvInt("BALANCE_WORKERS", 8),

		StoreBackend: strings.ToLower(utils.Env("STORE_BACKEND", StoreFile)),
		StateFile:    utils.Env("STATE_FILE", "tracker.json"),

		RedisEnabled:       utils.EnvBool("REDIS_ENABLED", false),
		ClickHouseEnabled:  utils.EnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseDatabase: utils.Env("CLICKHOUSE_DATABASE", "ches_tracker"),

		Addr: utils.Env("ADDR", ":3003"),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Contract) {
		errs = append(errs, fmt.Errorf("CONTRACT_ADDRESS %q is not a hex address", c.Contract))
	}
	if c.CovalentAPIKey == "" {
		errs = append(errs, errors.New("COVALENT_API_KEY is required"))
	}
	if c.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_ID must be positive, got %d", c.ChainID))
	}
	// balanceOf always goes through the node, whatever the height source
	if c.RPCURL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if c.HeightSource != HeightSourceRPC && c.HeightSource != HeightSourceCovalent {
		errs = append(errs, fmt.Errorf("HEIGHT_SOURCE must be %q or %q, got %q", HeightSourceRPC, HeightSourceCovalent, c.HeightSource))
	}
	if c.Lookback == 0 {
		errs = append(errs, errors.New("LOOKBACK_BLOCKS must be positive"))
	}
	if c.PollCron == "" && c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.CycleTimeout <= 0 {
		errs = append(errs, errors.New("CYCLE_TIMEOUT must be positive"))
	}
	if c.MinBucketDigits < 1 {
		errs = append(errs, errors.New("MIN_BUCKET_DIGITS must be at least 1"))
	}
	if c.BalanceWorkers < 1 {
		errs = append(errs, errors.New("BALANCE_WORKERS must be at least 1"))
	}
	switch c.StoreBackend {
	case StoreFile:
		if c.StateFile == "" {
			errs = append(errs, errors.New("STATE_FILE is required for the file store"))
		}
	case StoreRedis:
		if !c.RedisEnabled {
			errs = append(errs, errors.New("STORE_BACKEND=redis requires REDIS_ENABLED"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	return errors.Join(errs...)
}

// CronSpec is the schedule cycles run on. POLL_CRON wins over POLL_INTERVAL.
func (c Config) CronSpec() string {
	if c.PollCron != "" {
		return c.PollCron
	}
	return "@every " + c.PollInterval.String()
}
