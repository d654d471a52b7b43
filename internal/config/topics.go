package config

const (
	// TopicMigrateBatch is the NSQ topic for first-attempt batch processing tasks.
	TopicMigrateBatch = "migrate.batch"

	// TopicMigrateRetry is the NSQ topic for high-priority batch retry tasks.
	TopicMigrateRetry = "migrate.batch.retry"
)
