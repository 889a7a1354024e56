package config

import "time"

const (
	DefaultWorkerCount       = 4
	DefaultBatchSize         = 100
	DefaultPollInterval      = 2 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultSweepSchedule     = "* * * * *"
	DefaultTaskTimeout       = 30 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultAPIPort           = 1323
	DefaultLockDriver        = Redis
)
