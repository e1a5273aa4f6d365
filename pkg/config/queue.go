package config

import "time"

// QueueConfig controls how runs are polled, claimed, and processed by
// the worker pool.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica. Each
	// worker processes one run at a time, so this is also the per-pod
	// concurrency limit.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval for checking pending runs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval to
	// PollInterval ± PollIntervalJitter, spreading claim attempts
	// across workers and pods.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// RunTimeout bounds a single loop invocation, not the run's total
	// lifetime; suspended time does not count.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// runs during shutdown. Runs still going are left claimed and
	// recovered by the startup sweep or another pod's orphan scan.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often workers refresh a claimed run's
	// heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanScanInterval is how often to scan for runs whose pod went
	// silent.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// OrphanThreshold is how stale a heartbeat must be before the run
	// is requeued. Must comfortably exceed HeartbeatInterval.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// RetentionConfig controls how long finished runs are kept.
type RetentionConfig struct {
	// RunRetention is how long terminal runs are kept after they end.
	// Zero disables the sweeper.
	RunRetention time.Duration `yaml:"run_retention"`

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// BatchSize bounds one delete statement.
	BatchSize int `yaml:"batch_size"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetention:  30 * 24 * time.Hour,
		SweepInterval: time.Hour,
		BatchSize:     200,
	}
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		RunTimeout:              15 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
		HeartbeatInterval:       15 * time.Second,
		OrphanScanInterval:      1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
	}
}
