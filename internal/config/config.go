package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/hakifi-nibiru/backend-nibiru/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Hedge     HedgeConfig     `mapstructure:"hedge"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ChainConfig covers the contract ledger: RPC endpoints, signer, and the
// fixed fee envelope every outbound call is submitted with.
type ChainConfig struct {
	RPCEndpoint     string        `mapstructure:"rpc_endpoint"`
	GRPCEndpoint    string        `mapstructure:"grpc_endpoint"`
	ChainID         string        `mapstructure:"chain_id"`
	Bech32Prefix    string        `mapstructure:"bech32_prefix"`
	ContractAddress string        `mapstructure:"contract_address"`
	Mnemonic        string        `mapstructure:"mnemonic"`
	FeeDenom        string        `mapstructure:"fee_denom"`
	FeeAmount       int64         `mapstructure:"fee_amount"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	TokenDecimals   int32         `mapstructure:"token_decimals"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	// CreateWindow bounds how old a PENDING record may be when its CREATE
	// event arrives before activation is refused.
	CreateWindow time.Duration `mapstructure:"create_window"`
	// Confirmations lists inbound event tags that drive a local state
	// confirmation; all other recognised tags are accepted and ignored.
	Confirmations []string `mapstructure:"confirmations"`
}

// PricingConfig tunes the insurance parameter calculator.
type PricingConfig struct {
	MaxLeverage     int64   `mapstructure:"max_leverage"`
	HedgeThreshold  float64 `mapstructure:"hedge_threshold"`
	RefundMarginPct float64 `mapstructure:"refund_margin_pct"`
	CancelMarginPct float64 `mapstructure:"cancel_margin_pct"`
	LiquidationPct  float64 `mapstructure:"liquidation_pct"`
}

// FeedConfig points at the futures mark-price endpoint.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HedgeConfig configures the external hedge forwarder.
type HedgeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig governs settlement sweep cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	SweepLimit    int           `mapstructure:"sweep_limit"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INSURED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "insuranced")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("chain.rpc_endpoint", "https://rpc.testnet-1.nibiru.fi")
	v.SetDefault("chain.grpc_endpoint", "grpc.testnet-1.nibiru.fi:443")
	v.SetDefault("chain.chain_id", "nibiru-testnet-1")
	v.SetDefault("chain.bech32_prefix", "nibi")
	v.SetDefault("chain.fee_denom", "unibi")
	v.SetDefault("chain.fee_amount", int64(50000))
	v.SetDefault("chain.gas_limit", uint64(2000000))
	v.SetDefault("chain.token_decimals", int32(6))
	v.SetDefault("chain.connect_timeout", "10s")
	v.SetDefault("chain.create_window", "60s")
	v.SetDefault("chain.confirmations", []string{})

	v.SetDefault("pricing.max_leverage", int64(20))
	v.SetDefault("pricing.hedge_threshold", 0.02)
	v.SetDefault("pricing.refund_margin_pct", 0.005)
	v.SetDefault("pricing.cancel_margin_pct", 0.002)
	v.SetDefault("pricing.liquidation_pct", 0.9)

	v.SetDefault("feed.base_url", "https://fapi.binance.com")
	v.SetDefault("feed.request_timeout", "10s")

	v.SetDefault("hedge.enabled", false)
	v.SetDefault("hedge.base_url", "https://fapi.binance.com")
	v.SetDefault("hedge.request_timeout", "10s")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.sweep_limit", 500)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Chain.ContractAddress == "" {
		return fmt.Errorf("chain.contract_address is required")
	}
	if c.Chain.TokenDecimals < 0 {
		return fmt.Errorf("chain.token_decimals cannot be negative")
	}
	if c.Chain.GasLimit == 0 {
		return fmt.Errorf("chain.gas_limit must be greater than zero")
	}
	if c.Chain.CreateWindow <= 0 {
		return fmt.Errorf("chain.create_window must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Hedge.Enabled {
		if c.Hedge.APIKey == "" || c.Hedge.APISecret == "" {
			return fmt.Errorf("hedge.api_key and hedge.api_secret are required when hedging is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
