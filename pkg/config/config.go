package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "beatmarket"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Gateway  GatewayConfig
	Ledger   LedgerConfig
	Checkout CheckoutConfig
	GCP      GCPConfig
	PubSub   PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BEATMARKET_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"BEATMARKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BEATMARKET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN             string        `envconfig:"BEATMARKET_DB_DSN" required:"true"`
	MaxOpenConns    int           `envconfig:"BEATMARKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BEATMARKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BEATMARKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BEATMARKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BEATMARKET_REDIS_URL"`
	Address      string        `envconfig:"BEATMARKET_REDIS_ADDR"`
	Password     string        `envconfig:"BEATMARKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"BEATMARKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BEATMARKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BEATMARKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BEATMARKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BEATMARKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BEATMARKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig configures the centralized card/bank gateway.
type GatewayConfig struct {
	AccessToken string `envconfig:"BEATMARKET_GATEWAY_ACCESS_TOKEN"`
	Env         string `envconfig:"BEATMARKET_GATEWAY_ENV" default:"sandbox"`
	LocationID  string `envconfig:"BEATMARKET_GATEWAY_LOCATION_ID"`
}

// LedgerConfig configures the stablecoin settlement rail.
type LedgerConfig struct {
	RPCURL          string        `envconfig:"BEATMARKET_LEDGER_RPC_URL" default:"https://api.devnet.solana.com"`
	Mint            string        `envconfig:"BEATMARKET_LEDGER_MINT" required:"true"`
	Commitment      string        `envconfig:"BEATMARKET_LEDGER_COMMITMENT" default:"confirmed"`
	ConfirmWindow   time.Duration `envconfig:"BEATMARKET_LEDGER_CONFIRM_WINDOW" default:"60s"`
	ConfirmInterval time.Duration `envconfig:"BEATMARKET_LEDGER_CONFIRM_INTERVAL" default:"2s"`
	SubmitRetries   int           `envconfig:"BEATMARKET_LEDGER_SUBMIT_RETRIES" default:"3"`
	BatchItemDelay  time.Duration `envconfig:"BEATMARKET_LEDGER_BATCH_ITEM_DELAY" default:"500ms"`
}

// CheckoutConfig carries the fiat orchestration timing knobs.
type CheckoutConfig struct {
	SoftTimeout time.Duration `envconfig:"BEATMARKET_CHECKOUT_SOFT_TIMEOUT" default:"3s"`
	HardTimeout time.Duration `envconfig:"BEATMARKET_CHECKOUT_HARD_TIMEOUT" default:"120s"`
	SessionTTL  time.Duration `envconfig:"BEATMARKET_CHECKOUT_SESSION_TTL" default:"30m"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"BEATMARKET_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	OrderEventsTopic        string `envconfig:"BEATMARKET_PUBSUB_ORDER_EVENTS_TOPIC" default:"order-events"`
	OrderEventsSubscription string `envconfig:"BEATMARKET_PUBSUB_ORDER_EVENTS_SUBSCRIPTION" default:"order-events-reconcile"`
}
