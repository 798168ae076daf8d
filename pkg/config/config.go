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
	Broker       BrokerConfig
	Kafka        KafkaConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Lock         LockConfig
	Consumer     ConsumerConfig
	Retention    RetentionConfig
	Topics       TopicsConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Broker.Driver {
	case BrokerDriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%s is required when broker driver is %s", EnvKafkaBrokers, BrokerDriverKafka)
		}
	case BrokerDriverPubSub:
		if strings.TrimSpace(c.GCP.ProjectID) == "" {
			return fmt.Errorf("%s is required when broker driver is %s", EnvGCPProjectID, BrokerDriverPubSub)
		}
	default:
		return fmt.Errorf("unsupported broker driver %q", c.Broker.Driver)
	}
	switch c.DB.Driver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	switch c.Lock.Driver {
	case LockDriverRedis:
		if !c.Redis.Enabled() {
			return fmt.Errorf("%s is required when lock driver is %s", EnvRedisURL, LockDriverRedis)
		}
	case LockDriverPostgres:
		if c.DB.Driver != DBDriverPostgres {
			return fmt.Errorf("lock driver %s requires the postgres db driver", LockDriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported lock driver %q", c.Lock.Driver)
	}
	switch c.Outbox.FailedPolicy {
	case FailedPolicyManual, FailedPolicyRequeue:
	default:
		return fmt.Errorf("unsupported outbox failed policy %q", c.Outbox.FailedPolicy)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"ORDERGRID_APP_ENV" required:"true"`
	Port         string `envconfig:"ORDERGRID_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"ORDERGRID_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"ORDERGRID_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"ORDERGRID_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	// Name identifies the owning platform service (order, payment, shipping, ...).
	Name string `envconfig:"ORDERGRID_SERVICE_NAME" default:"order"`
	Kind string `envconfig:"ORDERGRID_SERVICE_KIND" default:"outbox-relay"`
}

type DBConfig struct {
	DSN    string `envconfig:"ORDERGRID_DB_DSN"`
	Driver string `envconfig:"ORDERGRID_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"ORDERGRID_DB_HOST"`
	LegacyPort     int    `envconfig:"ORDERGRID_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"ORDERGRID_DB_USER"`
	LegacyPassword string `envconfig:"ORDERGRID_DB_PASSWORD"`
	LegacyName     string `envconfig:"ORDERGRID_DB_NAME"`
	LegacySSLMode  string `envconfig:"ORDERGRID_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"ORDERGRID_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"ORDERGRID_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"ORDERGRID_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"ORDERGRID_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	CommitTimeout   time.Duration `envconfig:"ORDERGRID_DB_COMMIT_TIMEOUT" default:"10s"`
}

type RedisConfig struct {
	URL          string        `envconfig:"ORDERGRID_REDIS_URL"`
	Address      string        `envconfig:"ORDERGRID_REDIS_ADDR"`
	Password     string        `envconfig:"ORDERGRID_REDIS_PASSWORD"`
	DB           int           `envconfig:"ORDERGRID_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"ORDERGRID_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"ORDERGRID_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"ORDERGRID_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"ORDERGRID_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"ORDERGRID_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type BrokerConfig struct {
	Driver string `envconfig:"ORDERGRID_BROKER_DRIVER" default:"kafka"`
}

type KafkaConfig struct {
	Brokers         []string      `envconfig:"ORDERGRID_KAFKA_BROKERS"`
	GroupID         string        `envconfig:"ORDERGRID_KAFKA_GROUP_ID"`
	DeadLetterTopic string        `envconfig:"ORDERGRID_KAFKA_DEAD_LETTER_TOPIC" default:"ordergrid.dead-letter"`
	WriteTimeout    time.Duration `envconfig:"ORDERGRID_KAFKA_WRITE_TIMEOUT" default:"10s"`
	MinBytes        int           `envconfig:"ORDERGRID_KAFKA_MIN_BYTES" default:"1000"`
	MaxBytes        int           `envconfig:"ORDERGRID_KAFKA_MAX_BYTES" default:"10000000"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"ORDERGRID_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	Subscription    string `envconfig:"ORDERGRID_PUBSUB_SUBSCRIPTION"`
	DeadLetterTopic string `envconfig:"ORDERGRID_PUBSUB_DEAD_LETTER_TOPIC" default:"ordergrid-dead-letter"`
}

type OutboxConfig struct {
	BatchSize       int           `envconfig:"ORDERGRID_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS  int           `envconfig:"ORDERGRID_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	PublishTimeout  time.Duration `envconfig:"ORDERGRID_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
	FailedPolicy    string        `envconfig:"ORDERGRID_OUTBOX_FAILED_POLICY" default:"manual"`
	MaxAttempts     int           `envconfig:"ORDERGRID_OUTBOX_MAX_ATTEMPTS" default:"5"`
	RetentionWindow time.Duration `envconfig:"ORDERGRID_OUTBOX_RETENTION" default:"720h"`
}

// PollInterval returns the relay tick period.
func (o OutboxConfig) PollInterval() time.Duration {
	if o.PollIntervalMS <= 0 {
		return 0
	}
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

type LockConfig struct {
	Driver    string        `envconfig:"ORDERGRID_LOCK_DRIVER" default:"redis"`
	KeyPrefix string        `envconfig:"ORDERGRID_LOCK_KEY_PREFIX" default:"og:lock"`
	TTL       time.Duration `envconfig:"ORDERGRID_LOCK_TTL" default:"5m"`
}

type ConsumerConfig struct {
	Name           string        `envconfig:"ORDERGRID_CONSUMER_NAME" default:"order-timeline"`
	Workers        int           `envconfig:"ORDERGRID_CONSUMER_WORKERS" default:"2"`
	MaxAttempts    int           `envconfig:"ORDERGRID_CONSUMER_MAX_ATTEMPTS" default:"4"`
	BaseDelay      time.Duration `envconfig:"ORDERGRID_CONSUMER_BACKOFF_BASE" default:"1s"`
	Multiplier     float64       `envconfig:"ORDERGRID_CONSUMER_BACKOFF_MULTIPLIER" default:"2"`
	MaxDelay       time.Duration `envconfig:"ORDERGRID_CONSUMER_BACKOFF_MAX" default:"8s"`
	HandlerTimeout time.Duration `envconfig:"ORDERGRID_CONSUMER_HANDLER_TIMEOUT" default:"30s"`
	// Topics overrides the subscribed broker topics. Empty derives them from
	// the routed event types the consumer handles.
	Topics []string `envconfig:"ORDERGRID_CONSUMER_TOPICS"`
}

type RetentionConfig struct {
	ProcessedEvents time.Duration `envconfig:"ORDERGRID_RETENTION_PROCESSED_EVENTS" default:"720h"`
	DeadLetters     time.Duration `envconfig:"ORDERGRID_RETENTION_DEAD_LETTERS" default:"2160h"`
	Interval        time.Duration `envconfig:"ORDERGRID_RETENTION_INTERVAL" default:"1h"`
	BatchLimit      int           `envconfig:"ORDERGRID_RETENTION_BATCH_LIMIT" default:"5000"`
}

// TopicsConfig routes logical event types to broker topics. Unlisted event
// types are published to a topic named after the event type.
type TopicsConfig struct {
	Routes map[string]string `envconfig:"ORDERGRID_TOPIC_ROUTES"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"ORDERGRID_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"ORDERGRID_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = defaultSQLiteDSN
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
