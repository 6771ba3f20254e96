// Package config handles configuration loading and validation.
//
// Every option can be set, highest precedence first, by a command-line flag,
// an environment variable, a config file, or its default.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gateway-fm/txload/internal/execnode"
	"github.com/gateway-fm/txload/internal/txbuilder"
)

// Sentinel validation errors.
var (
	ErrNoEndpoints      = errors.New("no RPC endpoints configured")
	ErrMissingForwarder = errors.New("missing forwarder address: set SIMPLE_FORWARDER_ADDRESS or enable DIRECT_TRANSFER")
)

// Defaults
const (
	DefaultDuration          = 20 * time.Second
	DefaultWorkers           = 4
	DefaultInflightPerWorker = 4
	DefaultBucketInterval    = 100 * time.Millisecond
	DefaultBurstMultiplier   = 2
	DefaultValueETH          = "0.02"
	DefaultGasLimit          = 160000
	DefaultGasPriceGwei      = "1"
	DefaultTxTimeout         = 4 * time.Second
	DefaultGraceExit         = 3 * time.Second
	DefaultFundTargetETH     = "200"
	DefaultNodeKind          = "geth"
	DefaultReceiptPollRate   = 200
	DefaultRPCURLs           = "ws://127.0.0.1:8546,ws://127.0.0.1:8549,ws://127.0.0.1:8550,http://127.0.0.1:8545,http://127.0.0.1:8547,http://127.0.0.1:8548"
	DefaultRecipients        = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8,0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc,0x15d34aaf54267db7d7c367839aaf71a00a2c6a65"
)

// Config holds the settings of a single load run.
type Config struct {
	Duration          time.Duration
	Workers           int
	InflightPerWorker int
	TargetTPS         float64 // 0 = unlimited
	BucketInterval    time.Duration
	BurstMultiplier   float64

	Value    *big.Int // Wei per transaction
	GasLimit uint64   // Forward calls only; direct transfers always use 21000
	GasPrice *big.Int // Base wei per gas before the per-worker bump

	TxTimeout    time.Duration
	GraceExit    time.Duration
	ReceiptDrain time.Duration

	RawSend        bool
	DirectTransfer bool
	OnlyHTTP       bool
	DynamicFee     bool // Ignored by nodes that require legacy transactions

	RPCURLs       []string
	URLOffset     int
	AccountOffset int
	Recipients    []common.Address

	ForwarderAddress common.Address
	ForwarderABIPath string

	DeployerKey string
	FundWorkers bool
	FundTarget  *big.Int
	FundTopN    int
	FundWait    bool

	NodeKind        string
	ReceiptPollRate float64

	StatusAddr string
	DBPath     string

	// Capabilities holds the resolved node capabilities.
	// This is populated automatically based on NodeKind.
	Capabilities *execnode.Capabilities
}

// Mode returns the transaction shape selected by DirectTransfer.
func (c *Config) Mode() txbuilder.Mode {
	if c.DirectTransfer {
		return txbuilder.ModeDirect
	}
	return txbuilder.ModeForward
}

// SendMode returns "raw" or "managed".
func (c *Config) SendMode() string {
	if c.RawSend {
		return "raw"
	}
	return "managed"
}

// FundingEnabled reports whether the funding pass should run.
func (c *Config) FundingEnabled() bool {
	return c.FundWorkers && c.DeployerKey != ""
}

// option describes one configuration key. The viper key doubles as the
// primary environment variable name when upper-cased.
type option struct {
	key   string
	flag  string
	def   any
	usage string
	env   []string // Extra environment aliases
}

var runOptions = []option{
	{key: "duration_sec", flag: "duration", def: DefaultDuration.Seconds(), usage: "Run duration in seconds"},
	{key: "workers", flag: "workers", def: DefaultWorkers, usage: "Number of workers"},
	{key: "inflight_per_worker", flag: "inflight", def: DefaultInflightPerWorker, usage: "Max in-flight sends per worker"},
	{key: "target_tps", flag: "target-tps", def: float64(0), usage: "Global submission rate (0 = unlimited)"},
	{key: "bucket_interval_ms", flag: "bucket-interval", def: int(DefaultBucketInterval / time.Millisecond), usage: "Token bucket refill interval in milliseconds"},
	{key: "burst_multiplier", flag: "burst", def: float64(DefaultBurstMultiplier), usage: "Token bucket capacity as a multiple of the target rate"},
	{key: "value_eth", flag: "value", def: DefaultValueETH, usage: "Value per transaction in ETH"},
	{key: "gas_limit", flag: "gas-limit", def: DefaultGasLimit, usage: "Gas limit for forward calls"},
	{key: "gas_price_gwei", flag: "gas-price", def: DefaultGasPriceGwei, usage: "Base gas price in gwei"},
	{key: "tx_timeout_ms", flag: "tx-timeout", def: int(DefaultTxTimeout / time.Millisecond), usage: "Per-send timeout in milliseconds"},
	{key: "grace_exit_ms", flag: "grace", def: int(DefaultGraceExit / time.Millisecond), usage: "Watchdog grace after the deadline in milliseconds"},
	{key: "receipt_drain_ms", flag: "receipt-drain", def: 0, usage: "Time to keep counting confirmations after workers stop, in milliseconds"},
	{key: "use_raw_send", flag: "raw-send", def: false, usage: "Sign locally and submit eth_sendRawTransaction"},
	{key: "direct_transfer", flag: "direct", def: false, usage: "Send plain value transfers instead of forwarder calls"},
	{key: "only_http", flag: "only-http", def: false, usage: "Ignore websocket endpoints"},
	{key: "dynamic_fee", flag: "dynamic-fee", def: false, usage: "Send EIP-1559 transactions instead of legacy ones"},
	{key: "rpc_urls", flag: "rpc-urls", def: DefaultRPCURLs, usage: "Comma separated RPC endpoints"},
	{key: "url_offset", flag: "url-offset", def: 0, usage: "Endpoint rotation offset"},
	{key: "account_offset", flag: "account-offset", def: 0, usage: "Worker key index offset"},
	{key: "transfer_recipients", flag: "recipients", def: DefaultRecipients, usage: "Comma separated recipient addresses"},
	{key: "simple_forwarder_address", flag: "forwarder", def: "", usage: "Forwarder contract address"},
	{key: "simple_forwarder_abi", flag: "forwarder-abi", def: "", usage: "Path to the forwarder ABI or build artifact"},
	{key: "deployer_pk", flag: "deployer-key", def: "", usage: "Funding account private key", env: []string{"CONTRACT_DEPLOYER_PK"}},
	{key: "fund_workers", flag: "fund", def: true, usage: "Top up worker accounts before the run"},
	{key: "worker_target_eth", flag: "fund-target", def: DefaultFundTargetETH, usage: "Target worker balance in ETH"},
	{key: "fund_top_n", flag: "fund-top-n", def: 0, usage: "Number of accounts to fund (0 = workers)"},
	{key: "fund_wait", flag: "fund-wait", def: true, usage: "Wait for each funding transfer to be mined"},
	{key: "node_kind", flag: "node-kind", def: DefaultNodeKind, usage: "Execution client flavour"},
	{key: "receipt_poll_rps", flag: "receipt-rps", def: float64(DefaultReceiptPollRate), usage: "Receipt queries per second (0 = unlimited)"},
	{key: "status_addr", flag: "status-addr", def: "", usage: "Listen address for the status API (empty = disabled)"},
	{key: "db_path", flag: "db", def: "", usage: "SQLite run history path (empty = disabled)"},
}

// BindRunFlags registers the run flags on fs.
func BindRunFlags(fs *pflag.FlagSet) {
	bindFlags(fs, runOptions)
}

// NewRunViper returns a viper instance with run flags, environment and
// defaults bound. fs must have been passed to BindRunFlags.
func NewRunViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	return newViper(fs, runOptions)
}

func bindFlags(fs *pflag.FlagSet, opts []option) {
	for _, o := range opts {
		switch def := o.def.(type) {
		case int:
			fs.Int(o.flag, def, o.usage)
		case float64:
			fs.Float64(o.flag, def, o.usage)
		case bool:
			fs.Bool(o.flag, def, o.usage)
		case string:
			fs.String(o.flag, def, o.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default type %T for %s", o.def, o.key))
		}
	}
}

func newViper(fs *pflag.FlagSet, opts []option) (*viper.Viper, error) {
	v := viper.New()
	for _, o := range opts {
		v.SetDefault(o.key, o.def)
		names := append([]string{o.key, strings.ToUpper(o.key)}, o.env...)
		if err := v.BindEnv(names...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", o.key, err)
		}
		if fs == nil {
			continue
		}
		if f := fs.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", o.flag, err)
			}
		}
	}
	return v, nil
}

// seconds reads a possibly fractional number of seconds.
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetFloat64(key) * float64(time.Second))
}

// optOut reads a switch that is on unless set to "0" or "false".
func optOut(v *viper.Viper, key string) bool {
	switch strings.ToLower(strings.TrimSpace(v.GetString(key))) {
	case "0", "false":
		return false
	}
	return true
}

// ReadFile merges a config file into v. Keys use the lower-case
// environment names, e.g. target_tps.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load resolves a run configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Duration:          seconds(v, "duration_sec"),
		Workers:           v.GetInt("workers"),
		InflightPerWorker: v.GetInt("inflight_per_worker"),
		TargetTPS:         v.GetFloat64("target_tps"),
		BucketInterval:    time.Duration(v.GetInt("bucket_interval_ms")) * time.Millisecond,
		BurstMultiplier:   v.GetFloat64("burst_multiplier"),
		GasLimit:          v.GetUint64("gas_limit"),
		TxTimeout:         time.Duration(v.GetInt("tx_timeout_ms")) * time.Millisecond,
		GraceExit:         time.Duration(v.GetInt("grace_exit_ms")) * time.Millisecond,
		ReceiptDrain:      time.Duration(v.GetInt("receipt_drain_ms")) * time.Millisecond,
		RawSend:           v.GetBool("use_raw_send"),
		DirectTransfer:    v.GetBool("direct_transfer"),
		OnlyHTTP:          v.GetBool("only_http"),
		DynamicFee:        v.GetBool("dynamic_fee"),
		RPCURLs:           SplitList(v.GetString("rpc_urls")),
		URLOffset:         v.GetInt("url_offset"),
		AccountOffset:     v.GetInt("account_offset"),
		ForwarderABIPath:  v.GetString("simple_forwarder_abi"),
		DeployerKey:       strings.TrimSpace(v.GetString("deployer_pk")),
		FundWorkers:       optOut(v, "fund_workers"),
		FundTopN:          v.GetInt("fund_top_n"),
		FundWait:          optOut(v, "fund_wait"),
		NodeKind:          v.GetString("node_kind"),
		ReceiptPollRate:   v.GetFloat64("receipt_poll_rps"),
		StatusAddr:        v.GetString("status_addr"),
		DBPath:            v.GetString("db_path"),
	}

	var err error
	if cfg.Value, err = ParseUnits(v.GetString("value_eth"), params.Ether); err != nil {
		return nil, fmt.Errorf("VALUE_ETH: %w", err)
	}
	if cfg.GasPrice, err = ParseUnits(v.GetString("gas_price_gwei"), params.GWei); err != nil {
		return nil, fmt.Errorf("GAS_PRICE_GWEI: %w", err)
	}
	if cfg.FundTarget, err = ParseUnits(v.GetString("worker_target_eth"), params.Ether); err != nil {
		return nil, fmt.Errorf("WORKER_TARGET_ETH: %w", err)
	}
	if cfg.Recipients, err = txbuilder.ParseAddresses(v.GetString("transfer_recipients")); err != nil {
		return nil, fmt.Errorf("TRANSFER_RECIPIENTS: %w", err)
	}
	if addr := strings.TrimSpace(v.GetString("simple_forwarder_address")); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("SIMPLE_FORWARDER_ADDRESS: invalid address %q", addr)
		}
		cfg.ForwarderAddress = common.HexToAddress(addr)
	}
	if cfg.FundTopN <= 0 {
		cfg.FundTopN = cfg.Workers
	}

	// Resolve node capabilities
	cfg.Capabilities, err = execnode.DefaultRegistry().Lookup(cfg.NodeKind)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.InflightPerWorker <= 0 {
		return fmt.Errorf("inflight per worker must be positive")
	}
	if c.TargetTPS < 0 {
		return fmt.Errorf("target TPS cannot be negative")
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("tx timeout must be positive")
	}
	if c.GraceExit < 0 || c.ReceiptDrain < 0 {
		return fmt.Errorf("grace and receipt drain cannot be negative")
	}
	if c.URLOffset < 0 || c.AccountOffset < 0 {
		return fmt.Errorf("offsets cannot be negative")
	}
	if len(c.RPCURLs) == 0 {
		return ErrNoEndpoints
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if !c.DirectTransfer {
		if c.ForwarderAddress == (common.Address{}) {
			return ErrMissingForwarder
		}
		if c.GasLimit == 0 {
			return fmt.Errorf("gas limit must be positive")
		}
	}
	return nil
}

// SplitList splits on commas and whitespace, dropping empty items.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// ParseUnits parses a non-negative decimal amount such as "0.02" and scales
// it by unit, e.g. params.Ether. Fractions below one unit of the base are
// truncated.
func ParseUnits(s string, unit uint64) (*big.Int, error) {
	s = strings.TrimSpace(s)
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).SetUint64(unit)))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
