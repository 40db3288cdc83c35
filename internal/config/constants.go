package config

import "time"

// Server defaults.
const (
	// DefaultListenAddr is where the HTTP API listens.
	DefaultListenAddr = ":8080"

	// DefaultHTTPTimeout applies to server reads and writes.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Persistence and maintenance.
const (
	// DefaultRetention is how long results, snapshots and resolved alerts
	// are kept.
	DefaultRetention = 30 * 24 * time.Hour

	// DefaultCleanupInterval is how often expired rows are deleted.
	DefaultCleanupInterval = time.Hour

	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// BufferFlushInterval is how often the Redis buffer is flushed to the store.
	BufferFlushInterval = 2 * time.Second
)

// Check execution.
const (
	DefaultCheckTimeout   = 10 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

// Event bus.
const (
	DefaultEventBufferSize = 256
	DefaultPublishTimeout  = 100 * time.Millisecond

	DefaultEvaluatorPublishTimeout = 10 * time.Second
)

// Incidents.
const (
	// DefaultAutoResolveInterval is how often open incidents are re-examined.
	DefaultAutoResolveInterval = 5 * time.Minute

	// DefaultResolveHealthyCount is how many recent healthy results every
	// associated check needs before an incident auto-resolves.
	DefaultResolveHealthyCount = 3

	// DefaultIncidentFlushInterval is how often failed incident writes retry.
	DefaultIncidentFlushInterval = 30 * time.Second
)

// Alerting and notification.
const (
	DefaultThrottleSweepInterval = time.Hour
	DefaultEvaluatorWorkers      = 8
	DefaultUptimeWindow          = time.Hour

	DefaultNotifyWorkers   = 4
	DefaultNotifyQueueSize = 256
	DefaultSinkTimeout     = 10 * time.Second

	// DefaultSinkRateLimit is deliveries per second per sink type.
	DefaultSinkRateLimit = 1.0
	DefaultSinkRateBurst = 5
)

// Metrics and secrets.
const (
	DefaultMetricsInterval = 60 * time.Second
	DefaultSecretCacheTTL  = 5 * time.Minute
)

// Cache TTLs for summary queries.
const (
	// CacheTTLInfraHealth is the TTL for the infrastructure health summary.
	CacheTTLInfraHealth = 30 * time.Second

	// CacheTTLUptime is the TTL for per-check uptime aggregates.
	CacheTTLUptime = 60 * time.Second
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)
