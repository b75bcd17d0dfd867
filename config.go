package deadletter

import "time"

// Config holds configuration for the Manager.
type Config struct {
	// ScanInterval is how often the retry scheduler scans for due entries.
	ScanInterval time.Duration

	// ScanBatchSize is the maximum number of due entries claimed per scan.
	ScanBatchSize int

	// DispatchConcurrency is the maximum number of in-flight dispatches.
	DispatchConcurrency int

	// ShutdownTimeout is the maximum time to wait for in-flight dispatches
	// to drain during graceful shutdown.
	ShutdownTimeout time.Duration

	// ArchiveSchedule is a cron expression (or descriptor like
	// "@every 1h") controlling the retention sweep that archives
	// terminal entries.
	ArchiveSchedule string

	// Retention is how long completed and permanently failed entries
	// stay visible before the sweep archives them.
	Retention time.Duration

	// MaxRetries is the default retry budget for entries whose task name
	// and category carry no override.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:        15 * time.Second,
		ScanBatchSize:       100,
		DispatchConcurrency: 10,
		ShutdownTimeout:     30 * time.Second,
		ArchiveSchedule:     "@every 1h",
		Retention:           30 * 24 * time.Hour,
		MaxRetries:          3,
	}
}
