package cacheio

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/redis/go-redis/v9"
)

// Connect opens a pooled Redis client sized for the configured writer
// workers (two connections of headroom beyond the flushers).
func Connect(ctx context.Context, cfg model.CacheConfig, extraWorkers int) (*redis.Client, error) {
	poolSize := cfg.PoolSize
	if poolSize < 2+extraWorkers {
		poolSize = 2 + extraWorkers
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to cache %s:%d: %v", model.ErrConnect, cfg.Host, cfg.Port, err)
	}

	log.Printf("[cacheio] connected to %s:%d db=%d pool=%d", cfg.Host, cfg.Port, cfg.DB, poolSize)
	return client, nil
}
