// Package constants vends constants used in various components of pinmap, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "PINMAP_VERBOSE"
	// stores
	EnvRedisHost        = "REDIS_HOST"
	EnvRedisPort        = "REDIS_PORT"
	EnvRedisPasswd      = "REDIS_PASSWD"
	EnvRedisDB          = "REDIS_DB"
	EnvCouchDBAddr      = "COUCHDB_ADDR"
	EnvCouchDBUsername  = "COUCHDB_USERNAME"
	EnvCouchDBPasswd    = "COUCHDB_PASSWD"
	EnvCouchDBUserDB    = "COUCHDB_USER_DB"
	EnvCouchDBHistoryDB = "COUCHDB_HISTORY_DB"
	// state
	EnvSenderCacheSize        = "PINMAP_SENDER_CACHE_SIZE"
	EnvSenderCacheExpiry      = "PINMAP_SENDER_CACHE_EXPIRY"
	EnvFriendsFetchPoolSize   = "PINMAP_FRIENDS_FETCH_POOL_SIZE"
	EnvSubscriptionRollback   = "PINMAP_SUBSCRIPTION_ROLLBACK"
	EnvRemoteRetryMaxAttempts = "PINMAP_REMOTE_RETRY_ATTEMPTS"
	// reader
	EnvReaderAddr = "PINMAP_READER_ADDR"
	// writer
	EnvWriterAddr        = "PINMAP_WRITER_ADDR"
	EnvSessionKey        = "PINMAP_SESSION_KEY"
	EnvSessionIdleExpiry = "PINMAP_SESSION_IDLE_EXPIRY"
	EnvSessionCacheSize  = "PINMAP_SESSION_CACHE_SIZE"
	// janitor
	EnvPresenceLeaseTTL           = "PINMAP_PRESENCE_LEASE_TTL"
	EnvJanitorSweepFreq           = "PINMAP_JANITOR_SWEEP_FREQ"
	EnvJanitorExecutorPoolSize    = "PINMAP_JANITOR_EXECUTOR_POOL_SIZE"
	EnvJanitorMaxSweepLoad        = "PINMAP_JANITOR_MAX_SWEEP_LOAD"
	EnvJanitorLocalCacheSize      = "PINMAP_JANITOR_LOCAL_CACHE_SIZE"
	EnvJanitorWIPCacheEntryExpiry = "PINMAP_JANITOR_WIP_CACHE_ENTRY_EXPIRY"

	// -------------- log fields --------------
	LogFieldFuncName = "funcName"
	LogFieldMarkerID = "markerID"
	LogFieldUserID   = "userID"
	LogFieldAction   = "action"
)
