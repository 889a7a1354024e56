package crs

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"crucible/internal/models/config"
)

func setupPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionUrl)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping task store: %w", err)
	}
	return db, nil
}

func setupRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	// The address may also be given as a full URL: redis://:password@host:port/db
	if strings.HasPrefix(cfg.Address, "redis://") {
		u, err := url.Parse(cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		options.Addr = u.Host
		if u.User != nil {
			options.Password, _ = u.User.Password()
		}
		if path := strings.TrimPrefix(u.Path, "/"); path != "" {
			if options.DB, err = strconv.Atoi(path); err != nil {
				return nil, fmt.Errorf("invalid db number in redis url: %w", err)
			}
		}
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
