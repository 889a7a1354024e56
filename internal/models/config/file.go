package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape loaded by the service binaries. Zero values
// fall through to the defaults in NewCRSConfig.
type fileConfig struct {
	Instance string `yaml:"instance"`

	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL        string `yaml:"url"`
		Exchange   string `yaml:"exchange"`
		Queue      string `yaml:"queue"`
		RoutingKey string `yaml:"routing_key"`
	} `yaml:"rabbitmq"`

	API struct {
		Port      uint   `yaml:"port"`
		TokenHash string `yaml:"token_hash"`
	} `yaml:"api"`

	Scheduler struct {
		SweepSchedule string `yaml:"sweep_schedule"`
		BatchSize     int    `yaml:"batch_size"`
	} `yaml:"scheduler"`

	Worker struct {
		Count        int    `yaml:"count"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"worker"`

	Heartbeat struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"heartbeat"`

	Task struct {
		Timeout     string `yaml:"timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"task"`

	LockDriver string `yaml:"lock_driver"`
}

// LoadFile reads a YAML config file and turns it into a validated CRSConfig.
// The REDIS_PASSWORD and POSTGRES_URL environment variables override the file
// so secrets can stay out of it.
func LoadFile(path string) (*CRSConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		fc.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		fc.Redis.Password = v
	}

	var opts []Option
	if fc.Postgres.URL != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: fc.Postgres.URL}))
	}
	if fc.Redis.Address != "" {
		opts = append(opts, WithRedisConfig(RedisConfig{
			Address:  fc.Redis.Address,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		}))
	}
	if fc.RabbitMQ.URL != "" {
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:        fc.RabbitMQ.URL,
			Exchange:   fc.RabbitMQ.Exchange,
			Queue:      fc.RabbitMQ.Queue,
			RoutingKey: fc.RabbitMQ.RoutingKey,
		}))
	}
	if fc.API.Port != 0 {
		opts = append(opts, WithAPIPort(fc.API.Port))
	}
	if fc.API.TokenHash != "" {
		opts = append(opts, WithAPIAuth(fc.API.TokenHash))
	}
	if fc.Scheduler.SweepSchedule != "" {
		opts = append(opts, WithSweepSchedule(fc.Scheduler.SweepSchedule))
	}
	if fc.Scheduler.BatchSize != 0 {
		opts = append(opts, WithBatchSize(fc.Scheduler.BatchSize))
	}
	if fc.Worker.Count != 0 {
		opts = append(opts, WithWorkerCount(fc.Worker.Count))
	}
	if fc.Worker.PollInterval != "" {
		d, err := time.ParseDuration(fc.Worker.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("worker.poll_interval: %w", err)
		}
		opts = append(opts, WithPollInterval(d))
	}
	if fc.Heartbeat.Interval != "" || fc.Heartbeat.Timeout != "" {
		interval, timeout := DefaultHeartbeatInterval, DefaultHeartbeatTimeout
		if fc.Heartbeat.Interval != "" {
			if interval, err = time.ParseDuration(fc.Heartbeat.Interval); err != nil {
				return nil, fmt.Errorf("heartbeat.interval: %w", err)
			}
		}
		if fc.Heartbeat.Timeout != "" {
			if timeout, err = time.ParseDuration(fc.Heartbeat.Timeout); err != nil {
				return nil, fmt.Errorf("heartbeat.timeout: %w", err)
			}
		}
		opts = append(opts, WithHeartbeat(interval, timeout))
	}
	if fc.Task.Timeout != "" {
		d, err := time.ParseDuration(fc.Task.Timeout)
		if err != nil {
			return nil, fmt.Errorf("task.timeout: %w", err)
		}
		opts = append(opts, WithTaskTimeout(d))
	}
	if fc.Task.MaxAttempts != 0 {
		opts = append(opts, WithMaxAttempts(fc.Task.MaxAttempts))
	}
	switch fc.LockDriver {
	case "":
	case "postgres":
		opts = append(opts, WithLockDriver(Postgres))
	case "redis":
		opts = append(opts, WithLockDriver(Redis))
	default:
		return nil, fmt.Errorf("unknown lock_driver %q", fc.LockDriver)
	}

	return NewCRSConfig(fc.Instance, opts...)
}
