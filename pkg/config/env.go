package config

// EnvPrefix is handed to envconfig; every field carries its full variable name.
const EnvPrefix = "POOLNET"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv                = "POOLNET_APP_ENV"
	EnvLogLevel              = "POOLNET_LOG_LEVEL"
	EnvDBDSN                 = "POOLNET_DB_DSN"
	EnvDBHost                = "POOLNET_DB_HOST"
	EnvDBUser                = "POOLNET_DB_USER"
	EnvDBName                = "POOLNET_DB_NAME"
	EnvDBPassword            = "POOLNET_DB_PASSWORD"
	EnvRedisURL              = "POOLNET_REDIS_URL"
	EnvGCPProjectID          = "POOLNET_GCP_PROJECT_ID"
	EnvPubSubPlacementTopic  = "POOLNET_PUBSUB_PLACEMENT_TOPIC"
	EnvPubSubPlacementSub    = "POOLNET_PUBSUB_PLACEMENT_SUBSCRIPTION"
	EnvPubSubDomainTopic     = "POOLNET_PUBSUB_DOMAIN_TOPIC"
	EnvPlanPath              = "POOLNET_PLAN_PATH"
	EnvPlanSystemNodeID      = "POOLNET_PLAN_SYSTEM_NODE_ID"
	EnvPlanAutoRootID        = "POOLNET_PLAN_AUTO_ROOT_ID"
	EnvPlanSelfRootID        = "POOLNET_PLAN_SELF_ROOT_ID"
	EnvPlacementPollInterval = "POOLNET_PLACEMENT_POLL_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
