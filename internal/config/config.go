package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log        LoggingConfig      `yaml:"log"`
	Ledger     LedgerConfig       `yaml:"ledger"`
	Staking    StakingConfig      `yaml:"staking"`
	PriceFeed  PriceFeedConfig    `yaml:"pricefeed"`
	Governance GovernanceConfig   `yaml:"governance"`
	Funds      FundsConfig        `yaml:"funds"`
	Operators  []OperatorConfig   `yaml:"operators"`
	Genesis    []AllocationConfig `yaml:"genesis"`
	Schedule   ScheduleConfig     `yaml:"schedule"`
	State      StateConfig        `yaml:"state"`
	Timescale  TimescaleConfig    `yaml:"timescale"`
	Server     ServerConfig       `yaml:"server"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Telegram   TelegramConfig     `yaml:"telegram"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type LedgerConfig struct {
	MaxEvents int `yaml:"max_events"`
}

type StakingConfig struct {
	Token           string          `yaml:"token"`
	Pool            string          `yaml:"pool"`
	MinimumStake    decimal.Decimal `yaml:"minimum_stake"`
	NumOperators    int             `yaml:"num_operators"`
	WithdrawalDelay time.Duration   `yaml:"withdrawal_delay"`
}

type AssetConfig struct {
	Address  string   `yaml:"address"`
	Name     string   `yaml:"name"`
	Symbol   string   `yaml:"symbol"`
	Decimals uint8    `yaml:"decimals"`
	URL      string   `yaml:"url"`
	IPFSHash string   `yaml:"ipfs_hash"`
	BreakIn  string   `yaml:"break_in"`
	BreakOut string   `yaml:"break_out"`
	Standard []string `yaml:"standards"`
	// Functions lists method signatures, e.g. "transfer(address,uint256)".
	Functions []string `yaml:"functions"`
}

type ExchangeConfig struct {
	Address      string   `yaml:"address"`
	Adapter      string   `yaml:"adapter"`
	TakesCustody bool     `yaml:"takes_custody"`
	Methods      []string `yaml:"methods"`
}

type PriceFeedConfig struct {
	Address        string           `yaml:"address"`
	QuoteAsset     AssetConfig      `yaml:"quote_asset"`
	Assets         []AssetConfig    `yaml:"assets"`
	Exchanges      []ExchangeConfig `yaml:"exchanges"`
	Interval       time.Duration    `yaml:"interval"`
	Validity       time.Duration    `yaml:"validity"`
	MinimumUpdates int              `yaml:"minimum_updates"`
	HistoryTail    int              `yaml:"history_tail"`
}

type GovernanceConfig struct {
	Address     string        `yaml:"address"`
	Authorities []string      `yaml:"authorities"`
	Quorum      int           `yaml:"quorum"`
	Window      time.Duration `yaml:"window"`
	// Collectors may trigger collection rounds besides governance itself.
	Collectors []string `yaml:"collectors"`
}

type FundsConfig struct {
	Version string       `yaml:"version"`
	Setup   []FundConfig `yaml:"setup"`
}

type FundConfig struct {
	Manager        string          `yaml:"manager"`
	Name           string          `yaml:"name"`
	BaseAsset      string          `yaml:"base_asset"`
	ManagementFee  decimal.Decimal `yaml:"management_fee"`
	PerformanceFee decimal.Decimal `yaml:"performance_fee"`
	Exchanges      []string        `yaml:"exchanges"`
}

type OperatorConfig struct {
	Owner          string          `yaml:"owner"`
	Stake          decimal.Decimal `yaml:"stake"`
	StreamURL      string          `yaml:"stream_url"`
	ReconnectDelay time.Duration   `yaml:"reconnect_delay"`
	PingInterval   time.Duration   `yaml:"ping_interval"`
}

type AllocationConfig struct {
	Account string          `yaml:"account"`
	Asset   string          `yaml:"asset"`
	Amount  decimal.Decimal `yaml:"amount"`
}

// ScheduleConfig holds cron specs; an empty spec disables the job.
type ScheduleConfig struct {
	Collect         string `yaml:"collect"`
	ExecuteRequests string `yaml:"execute_requests"`
	AllocateFees    string `yaml:"allocate_fees"`
	Snapshot        string `yaml:"snapshot"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ServerConfig struct {
	Address      string        `yaml:"address"`
	EventsPath   string        `yaml:"events_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TelegramConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Token       string        `yaml:"token"`
	ChatID      string        `yaml:"chat_id"`
	MinInterval time.Duration `yaml:"min_interval"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies env overrides, defaults and validation like Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnv lets secrets live outside the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FUNDFEED_TIMESCALE_DSN"); v != "" {
		cfg.Timescale.DSN = v
	}
	if v := os.Getenv("FUNDFEED_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FUNDFEED_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Ledger.MaxEvents == 0 {
		cfg.Ledger.MaxEvents = 100_000
	}
	if cfg.Staking.NumOperators == 0 {
		cfg.Staking.NumOperators = 4
	}
	if cfg.Staking.WithdrawalDelay == 0 {
		cfg.Staking.WithdrawalDelay = 7 * 24 * time.Hour
	}
	if cfg.PriceFeed.Validity == 0 {
		cfg.PriceFeed.Validity = time.Hour
	}
	if cfg.PriceFeed.MinimumUpdates == 0 {
		cfg.PriceFeed.MinimumUpdates = 1
	}
	if cfg.PriceFeed.QuoteAsset.Decimals == 0 {
		cfg.PriceFeed.QuoteAsset.Decimals = 18
	}
	if cfg.PriceFeed.HistoryTail == 0 {
		cfg.PriceFeed.HistoryTail = 256
	}
	if cfg.Governance.Quorum == 0 {
		cfg.Governance.Quorum = len(cfg.Governance.Authorities)
	}
	if cfg.Governance.Window == 0 {
		cfg.Governance.Window = 7 * 24 * time.Hour
	}
	for i := range cfg.Operators {
		if cfg.Operators[i].ReconnectDelay == 0 {
			cfg.Operators[i].ReconnectDelay = 3 * time.Second
		}
		if cfg.Operators[i].PingInterval == 0 {
			cfg.Operators[i].PingInterval = 30 * time.Second
		}
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/fundfeed.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 1024
	}
	if cfg.Timescale.MaxOpenConns == 0 {
		cfg.Timescale.MaxOpenConns = 4
	}
	if cfg.Timescale.MaxIdleConns == 0 {
		cfg.Timescale.MaxIdleConns = 2
	}
	if cfg.Timescale.ConnMaxLifetime == 0 {
		cfg.Timescale.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1:9001"
	}
	if cfg.Server.EventsPath == "" {
		cfg.Server.EventsPath = "/events"
	}
	if cfg.Server.PollInterval == 0 {
		cfg.Server.PollInterval = time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.MinInterval == 0 {
		cfg.Telegram.MinInterval = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if err := requireAddress("staking.token", cfg.Staking.Token); err != nil {
		return err
	}
	if err := requireAddress("staking.pool", cfg.Staking.Pool); err != nil {
		return err
	}
	if cfg.Staking.MinimumStake.IsNegative() {
		return errors.New("staking.minimum_stake must be >= 0")
	}
	if cfg.Staking.NumOperators < 1 {
		return errors.New("staking.num_operators must be > 0")
	}
	if err := requireAddress("pricefeed.address", cfg.PriceFeed.Address); err != nil {
		return err
	}
	if err := requireAddress("pricefeed.quote_asset.address", cfg.PriceFeed.QuoteAsset.Address); err != nil {
		return err
	}
	for i, a := range cfg.PriceFeed.Assets {
		if err := requireAddress(fmt.Sprintf("pricefeed.assets[%d].address", i), a.Address); err != nil {
			return err
		}
		if a.Decimals > 18 {
			return fmt.Errorf("pricefeed.assets[%d].decimals must be <= 18", i)
		}
	}
	for i, e := range cfg.PriceFeed.Exchanges {
		if err := requireAddress(fmt.Sprintf("pricefeed.exchanges[%d].address", i), e.Address); err != nil {
			return err
		}
	}
	if cfg.PriceFeed.Interval < 0 || cfg.PriceFeed.Validity < 0 {
		return errors.New("pricefeed.interval and pricefeed.validity must be >= 0")
	}
	if cfg.PriceFeed.MinimumUpdates < 1 {
		return errors.New("pricefeed.minimum_updates must be > 0")
	}
	if cfg.PriceFeed.MinimumUpdates > cfg.Staking.NumOperators {
		return errors.New("pricefeed.minimum_updates exceeds staking.num_operators")
	}
	if err := requireAddress("governance.address", cfg.Governance.Address); err != nil {
		return err
	}
	if len(cfg.Governance.Authorities) == 0 {
		return errors.New("governance.authorities is required")
	}
	for i, a := range cfg.Governance.Authorities {
		if err := requireAddress(fmt.Sprintf("governance.authorities[%d]", i), a); err != nil {
			return err
		}
	}
	if cfg.Governance.Quorum < 1 || cfg.Governance.Quorum > len(cfg.Governance.Authorities) {
		return errors.New("governance.quorum out of range")
	}
	for i, a := range cfg.Governance.Collectors {
		if err := requireAddress(fmt.Sprintf("governance.collectors[%d]", i), a); err != nil {
			return err
		}
	}
	if len(cfg.Funds.Setup) > 0 {
		if err := requireAddress("funds.version", cfg.Funds.Version); err != nil {
			return err
		}
	}
	for i, f := range cfg.Funds.Setup {
		if err := requireAddress(fmt.Sprintf("funds.setup[%d].manager", i), f.Manager); err != nil {
			return err
		}
		if err := requireAddress(fmt.Sprintf("funds.setup[%d].base_asset", i), f.BaseAsset); err != nil {
			return err
		}
		if !validRate(f.ManagementFee) || !validRate(f.PerformanceFee) {
			return fmt.Errorf("funds.setup[%d] fee rates must be within [0, 1]", i)
		}
	}
	for i, op := range cfg.Operators {
		if err := requireAddress(fmt.Sprintf("operators[%d].owner", i), op.Owner); err != nil {
			return err
		}
		if op.Stake.IsNegative() {
			return fmt.Errorf("operators[%d].stake must be >= 0", i)
		}
	}
	for i, g := range cfg.Genesis {
		if err := requireAddress(fmt.Sprintf("genesis[%d].account", i), g.Account); err != nil {
			return err
		}
		if err := requireAddress(fmt.Sprintf("genesis[%d].asset", i), g.Asset); err != nil {
			return err
		}
		if g.Amount.IsNegative() {
			return fmt.Errorf("genesis[%d].amount must be >= 0", i)
		}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"schedule.collect":          cfg.Schedule.Collect,
		"schedule.execute_requests": cfg.Schedule.ExecuteRequests,
		"schedule.allocate_fees":    cfg.Schedule.AllocateFees,
		"schedule.snapshot":         cfg.Schedule.Snapshot,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// Address parses a validated hex address. Empty strings give the zero address.
func Address(s string) common.Address {
	return common.HexToAddress(s)
}

func requireAddress(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s: invalid address %q", field, value)
	}
	return nil
}

func validRate(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}
