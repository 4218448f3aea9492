package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full process configuration. It is built once in main and
// passed explicitly into component constructors.
type Config struct {
	Server    Server
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Ledger    LedgerConfig
	Watcher   WatcherConfig
	Matching  MatchingConfig
	Issuance  IssuanceConfig
	Schedules ScheduleConfig
	Tracing   TracingConfig
	LogLevel  string
	LogFormat string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

// DatabaseConfig selects persistence. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// RedisConfig configures the optional redis lease backend.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional alert publisher.
type KafkaConfig struct {
	Brokers    []string
	AlertTopic string
}

// LedgerConfig holds ledger endpoints and accounts.
type LedgerConfig struct {
	RPCURL           string
	DepositAddress   string
	IssuerAddress    string
	IssuerSecret     string
	DepositSecret    string
	TokenCurrency    string
	DepositCurrency  string
	DepositIssuer    string
	TreasuryAddress  string
	TreasuryTag      *uint32
	QueryTimeout     time.Duration
	SubmitTimeout    time.Duration
	// ResolveTimeout bounds how long a sent transaction is followed before
	// it is left for reconciliation.
	ResolveTimeout   time.Duration
	ResolveInterval  time.Duration
	MaxFeeDrops      uint64
	LedgerWindow     uint32
	// BreakerThreshold consecutive transient failures open the ledger circuit.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// WatcherConfig controls polling.
type WatcherConfig struct {
	PollInterval time.Duration
	PageLimit    int
	MaxPages     int
	StartLedger  uint32
}

// MatchingConfig controls payment correlation.
type MatchingConfig struct {
	Tolerance decimal.Decimal
}

// IssuanceConfig controls execution of matched payments.
type IssuanceConfig struct {
	Rate              decimal.Decimal
	TokenPrecision    int32
	SubmitMaxAttempts int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	LeaseTTL          time.Duration
	LeaseBackend      string
	WorkerCount       int
	QueueSize         int
}

// ScheduleConfig holds cron expressions for periodic jobs.
type ScheduleConfig struct {
	Reconcile     string
	TrustLineSync string
}

// TracingConfig selects the span exporter. An empty exporter disables tracing.
type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	ServiceName  string
	SampleRatio  float64
}

// Trace exporters.
const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
	TraceExporterOTLP   = "otlp"
)

// Lease backends.
const (
	LeaseBackendMemory   = "memory"
	LeaseBackendPostgres = "postgres"
	LeaseBackendRedis    = "redis"
)

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment values win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var p parser
	cfg := Config{
		Server: Server{
			Addr:          envOr("TOKENFUND_ADDR", ":8080"),
			JWTSigningKey: envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     envOr("JWT_ISSUER", "tokenfund"),
			JWTAudience:   envOr("JWT_AUDIENCE", "tokenfund-admin"),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: p.int("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: p.int("DB_MAX_IDLE_CONNS", 5),
			AutoMigrate:  p.bool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     p.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			AlertTopic: envOr("ALERT_TOPIC", "tokenfund.alerts"),
		},
		Ledger: LedgerConfig{
			RPCURL:           envOr("LEDGER_RPC_URL", "https://s.altnet.rippletest.net:51234"),
			DepositAddress:   os.Getenv("DEPOSIT_ADDRESS"),
			IssuerAddress:    os.Getenv("ISSUER_ADDRESS"),
			IssuerSecret:     os.Getenv("ISSUER_SECRET"),
			DepositSecret:    os.Getenv("DEPOSIT_SECRET"),
			TokenCurrency:    envOr("TOKEN_CURRENCY", "FND"),
			DepositCurrency:  envOr("DEPOSIT_CURRENCY", "USD"),
			DepositIssuer:    os.Getenv("DEPOSIT_ISSUER"),
			TreasuryAddress:  os.Getenv("TREASURY_ADDRESS"),
			TreasuryTag:      p.optionalUint32("TREASURY_DESTINATION_TAG"),
			QueryTimeout:     p.duration("LEDGER_QUERY_TIMEOUT", 10*time.Second),
			SubmitTimeout:    p.duration("LEDGER_SUBMIT_TIMEOUT", 30*time.Second),
			ResolveTimeout:   p.duration("LEDGER_RESOLVE_TIMEOUT", 30*time.Second),
			ResolveInterval:  p.duration("LEDGER_RESOLVE_INTERVAL", 2*time.Second),
			MaxFeeDrops:      uint64(p.int("LEDGER_MAX_FEE_DROPS", 1000)),
			LedgerWindow:     uint32(p.int("LEDGER_WINDOW", 20)),
			BreakerThreshold: p.int("LEDGER_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  p.duration("LEDGER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Watcher: WatcherConfig{
			PollInterval: p.duration("POLL_INTERVAL", 10*time.Second),
			PageLimit:    p.int("POLL_PAGE_LIMIT", 200),
			MaxPages:     p.int("POLL_MAX_PAGES", 10),
			StartLedger:  uint32(p.int("WATCHER_START_LEDGER", 0)),
		},
		Matching: MatchingConfig{
			Tolerance: p.decimal("MATCH_TOLERANCE", decimal.RequireFromString("0.01")),
		},
		Issuance: IssuanceConfig{
			Rate:              p.decimal("CONVERSION_RATE", decimal.NewFromInt(1)),
			TokenPrecision:    int32(p.int("TOKEN_PRECISION", 6)),
			SubmitMaxAttempts: p.int("SUBMIT_MAX_ATTEMPTS", 5),
			RetryInitial:      p.duration("SUBMIT_RETRY_INITIAL", 500*time.Millisecond),
			RetryMax:          p.duration("SUBMIT_RETRY_MAX", 10*time.Second),
			LeaseTTL:          p.duration("LEASE_TTL", 2*time.Minute),
			LeaseBackend:      envOr("LEASE_BACKEND", ""),
			WorkerCount:       p.int("ISSUANCE_WORKERS", 4),
			QueueSize:         p.int("ISSUANCE_QUEUE_SIZE", 64),
		},
		Schedules: ScheduleConfig{
			Reconcile:     envOr("RECONCILE_SCHEDULE", "@every 5m"),
			TrustLineSync: envOr("TRUSTLINE_SYNC_SCHEDULE", "@every 1m"),
		},
		Tracing: TracingConfig{
			Exporter:     envOr("TRACE_EXPORTER", TraceExporterNone),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  envOr("OTEL_SERVICE_NAME", "tokenfund"),
			SampleRatio:  p.float("TRACE_SAMPLE_RATIO", 1),
		},
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.Issuance.LeaseBackend == "" {
		cfg.Issuance.LeaseBackend = LeaseBackendMemory
		if cfg.Database.URL != "" {
			cfg.Issuance.LeaseBackend = LeaseBackendPostgres
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Ledger.DepositAddress == "" {
		errs = append(errs, errors.New("DEPOSIT_ADDRESS is required"))
	}
	if c.Ledger.IssuerAddress == "" {
		errs = append(errs, errors.New("ISSUER_ADDRESS is required"))
	}
	if c.Watcher.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.Matching.Tolerance.IsNegative() {
		errs = append(errs, errors.New("MATCH_TOLERANCE must not be negative"))
	}
	if !c.Issuance.Rate.IsPositive() {
		errs = append(errs, errors.New("CONVERSION_RATE must be positive"))
	}
	if c.Issuance.TokenPrecision < 0 || c.Issuance.TokenPrecision > 15 {
		errs = append(errs, errors.New("TOKEN_PRECISION must be between 0 and 15"))
	}
	if c.Issuance.SubmitMaxAttempts < 1 {
		errs = append(errs, errors.New("SUBMIT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Issuance.WorkerCount < 1 {
		errs = append(errs, errors.New("ISSUANCE_WORKERS must be at least 1"))
	}
	if c.Ledger.LedgerWindow < 1 {
		errs = append(errs, errors.New("LEDGER_WINDOW must be at least 1"))
	}
	switch c.Tracing.Exporter {
	case TraceExporterNone, TraceExporterStdout:
	case TraceExporterOTLP:
		if c.Tracing.OTLPEndpoint == "" {
			errs = append(errs, errors.New("TRACE_EXPORTER=otlp requires OTEL_EXPORTER_OTLP_ENDPOINT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRACE_EXPORTER %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	switch c.Issuance.LeaseBackend {
	case LeaseBackendMemory:
	case LeaseBackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("LEASE_BACKEND=postgres requires DATABASE_URL"))
		}
	case LeaseBackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("LEASE_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEASE_BACKEND %q", c.Issuance.LeaseBackend))
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser accumulates the first parse error so FromEnv reads linearly.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}

func (p *parser) optionalUint32(key string) *uint32 {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		p.fail(key, err)
		return nil
	}
	tag := uint32(v)
	return &tag
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return v
}
