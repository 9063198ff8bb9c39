package internal

import "time"

// Config gathers every tunable of the engine. All durations come from the
// environment so deployments can shorten sweeps without a rebuild.
type Config struct {
	LogLevel string `env:"LOG_LEVEL,required=true"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	JWTSecret      string `env:"JWT_SECRET,required=true"`

	RateWindow          time.Duration `env:"RATE_WINDOW,default=60s"`
	RateViolationLimit  int           `env:"RATE_VIOLATION_LIMIT,default=5"`
	RateBlockBase       time.Duration `env:"RATE_BLOCK_BASE,default=1m"`
	RateBlockMaxFactor  int           `env:"RATE_BLOCK_MAX_FACTOR,default=16"`
	MaxMessagesPerWin   int           `env:"MAX_MESSAGES_PER_WINDOW,default=30"`
	MaxJoinsPerWin      int           `env:"MAX_JOINS_PER_WINDOW,default=10"`
	MaxTypingPerWin     int           `env:"MAX_TYPING_PER_WINDOW,default=60"`
	MaxNotifsPerWin     int           `env:"MAX_NOTIFICATIONS_PER_WINDOW,default=20"`

	SessionInactivity time.Duration `env:"SESSION_INACTIVITY,default=30m"`
	RoomRetention     time.Duration `env:"ROOM_RETENTION,default=1h"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`

	AwayAfter       time.Duration `env:"AWAY_AFTER,default=5m"`
	OfflineAfter    time.Duration `env:"OFFLINE_AFTER,default=15m"`
	PresenceHistory int           `env:"PRESENCE_HISTORY,default=20"`

	TypingDebounce time.Duration `env:"TYPING_DEBOUNCE,default=1s"`
	TypingTimeout  time.Duration `env:"TYPING_TIMEOUT,default=5s"`

	ReadStatusCacheTTL time.Duration `env:"READ_STATUS_CACHE_TTL,default=5s"`

	QueueCapacity   int           `env:"QUEUE_CAPACITY,default=100"`
	QueueDefaultTTL time.Duration `env:"QUEUE_DEFAULT_TTL,default=24h"`
	DrainBatchSize  int           `env:"DRAIN_BATCH_SIZE,default=20"`

	BatchFlushSize   int           `env:"BATCH_FLUSH_SIZE,default=10"`
	BatchFlushWindow time.Duration `env:"BATCH_FLUSH_WINDOW,default=100ms"`

	ConflictWindow  time.Duration `env:"CONFLICT_WINDOW,default=5s"`
	SyncCacheSize   int           `env:"SYNC_CACHE_SIZE,default=100"`
	SyncRetention   time.Duration `env:"SYNC_RETENTION,default=1m"`
	PendingRetryCap int           `env:"PENDING_RETRY_CAP,default=50"`
	RetryRetention  time.Duration `env:"RETRY_RETENTION,default=5m"`

	NotifDedupTTL   time.Duration `env:"NOTIFICATION_DEDUP_TTL,default=1m"`
	NotifTTL        time.Duration `env:"NOTIFICATION_TTL,default=24h"`
	SubscriptionTTL time.Duration `env:"SUBSCRIPTION_TTL,default=720h"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=5s"`
	StatsInterval time.Duration `env:"STATS_INTERVAL,default=30s"`
}
