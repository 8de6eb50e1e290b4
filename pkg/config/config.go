package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Placement    PlacementConfig
	Plan         PlanConfig
	Ops          OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"POOLNET_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"POOLNET_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"POOLNET_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"POOLNET_SERVICE_KIND" default:"placement-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"POOLNET_DB_DSN"`
	Driver string `envconfig:"POOLNET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"POOLNET_DB_HOST"`
	LegacyPort     int    `envconfig:"POOLNET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"POOLNET_DB_USER"`
	LegacyPassword string `envconfig:"POOLNET_DB_PASSWORD"`
	LegacyName     string `envconfig:"POOLNET_DB_NAME"`
	LegacySSLMode  string `envconfig:"POOLNET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"POOLNET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"POOLNET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"POOLNET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"POOLNET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	LockTimeout     time.Duration `envconfig:"POOLNET_DB_LOCK_TIMEOUT" default:"5s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"POOLNET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"POOLNET_REDIS_ADDR"`
	Password     string        `envconfig:"POOLNET_REDIS_PASSWORD"`
	DB           int           `envconfig:"POOLNET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"POOLNET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"POOLNET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"POOLNET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"POOLNET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"POOLNET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate  bool `envconfig:"POOLNET_AUTO_MIGRATE" default:"false"`
	PubSubWakeup bool `envconfig:"POOLNET_FEATURE_PUBSUB_WAKEUP" default:"true"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"POOLNET_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"POOLNET_GCP_PROJECT_ID" required:"true"`
}

type PubSubConfig struct {
	PlacementTopic        string `envconfig:"POOLNET_PUBSUB_PLACEMENT_TOPIC" required:"true"`
	PlacementSubscription string `envconfig:"POOLNET_PUBSUB_PLACEMENT_SUBSCRIPTION" required:"true"`
	DomainTopic           string `envconfig:"POOLNET_PUBSUB_DOMAIN_TOPIC" required:"true"`
	DomainSubscription    string `envconfig:"POOLNET_PUBSUB_DOMAIN_SUBSCRIPTION"`
	LedgerTopic           string `envconfig:"POOLNET_PUBSUB_LEDGER_TOPIC" default:"pn-ledger-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"POOLNET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"POOLNET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"POOLNET_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"POOLNET_OUTBOX_RETENTION_DAYS" default:"30"`
}

// PlacementConfig tunes the auto-pool placement runner and the reconciliation scans.
type PlacementConfig struct {
	BatchSize       int           `envconfig:"POOLNET_PLACEMENT_BATCH_SIZE" default:"25"`
	MaxAttempts     int           `envconfig:"POOLNET_PLACEMENT_MAX_ATTEMPTS" default:"10"`
	PollInterval    time.Duration `envconfig:"POOLNET_PLACEMENT_POLL_INTERVAL" default:"1s"`
	BaseBackoff     time.Duration `envconfig:"POOLNET_PLACEMENT_BASE_BACKOFF" default:"2s"`
	MaxBackoff      time.Duration `envconfig:"POOLNET_PLACEMENT_MAX_BACKOFF" default:"5m"`
	LeaseTimeout    time.Duration `envconfig:"POOLNET_PLACEMENT_LEASE_TIMEOUT" default:"2m"`
	LeaseTTL        time.Duration `envconfig:"POOLNET_PLACEMENT_LEASE_TTL" default:"30s"`
	OrphanThreshold time.Duration `envconfig:"POOLNET_PLACEMENT_ORPHAN_THRESHOLD" default:"15m"`
	ScanInterval    time.Duration `envconfig:"POOLNET_RECONCILE_INTERVAL" default:"10m"`
}

// PlanConfig points at the reward plan file and the designated accounts it relies on.
type PlanConfig struct {
	Path         string `envconfig:"POOLNET_PLAN_PATH" default:"config/plan.yaml"`
	SystemNodeID uint64 `envconfig:"POOLNET_PLAN_SYSTEM_NODE_ID" required:"true"`
	AutoRootID   uint64 `envconfig:"POOLNET_PLAN_AUTO_ROOT_ID" required:"true"`
	SelfRootID   uint64 `envconfig:"POOLNET_PLAN_SELF_ROOT_ID" required:"true"`
}

type OpsConfig struct {
	Port string `envconfig:"POOLNET_OPS_PORT" default:"9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
