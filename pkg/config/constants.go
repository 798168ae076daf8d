package config

const (
	EnvPrefix = "ORDERGRID"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	BrokerDriverKafka  = "kafka"
	BrokerDriverPubSub = "pubsub"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	LockDriverRedis    = "redis"
	LockDriverPostgres = "postgres"

	FailedPolicyManual  = "manual"
	FailedPolicyRequeue = "requeue"

	defaultSQLiteDSN = "file:ordergrid.db?_busy_timeout=5000"
)

const (
	EnvAppEnv       = "ORDERGRID_APP_ENV"
	EnvPort         = "ORDERGRID_APP_PORT"
	EnvDBDSN        = "ORDERGRID_DB_DSN"
	EnvDBHost       = "ORDERGRID_DB_HOST"
	EnvDBUser       = "ORDERGRID_DB_USER"
	EnvDBName       = "ORDERGRID_DB_NAME"
	EnvRedisURL     = "ORDERGRID_REDIS_URL"
	EnvBrokerDriver = "ORDERGRID_BROKER_DRIVER"
	EnvKafkaBrokers = "ORDERGRID_KAFKA_BROKERS"
	EnvGCPProjectID = "ORDERGRID_GCP_PROJECT_ID"
	EnvPubSubSub    = "ORDERGRID_PUBSUB_SUBSCRIPTION"
	EnvLockDriver   = "ORDERGRID_LOCK_DRIVER"
	EnvFailedPolicy = "ORDERGRID_OUTBOX_FAILED_POLICY"
	EnvTopicRoutes  = "ORDERGRID_TOPIC_ROUTES"
	EnvUseSQLite    = "ORDERGRID_USE_SQLITE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
