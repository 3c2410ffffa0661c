package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	rt "wuyrush.io/pinmap/common/retry"
	se "wuyrush.io/pinmap/errors"
)

type RedisConfig struct {
	Host, Port, Passwd string
	DB                 int
}

type Config struct {
	Redis RedisConfig
	// Couch is optional; without it user data lives in process memory
	Couch *CouchConfig
}

// NewRedisStore connects to Redis and waits for it to come up
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	client := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:   cfg.Passwd,
		DB:         cfg.DB,
		MaxRetries: 3,
	})
	// NOTE docker compose's depends_on only orders container startup; the dependency itself may not be
	// ready yet
	pingFn := func() error {
		_, err := client.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		client.Close()
		return nil, se.NewDependencyFailure("failed initializing Redis").WithCause(err)
	}
	return &RedisStore{DB: client}, nil
}

// Open assembles the Backend described by cfg
func Open(ctx context.Context, cfg *Config) (Backend, error) {
	clog := logging.WithFuncName()
	rs, err := NewRedisStore(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	if cfg.Couch == nil || cfg.Couch.DBAddr == "" {
		clog.Warn("no CouchDB configured. Keeping user data in memory")
		return Compose(rs, NewMemoryStore(), nil), nil
	}
	cs, err := NewCouchUserStore(ctx, cfg.Couch)
	if err != nil {
		rs.Close()
		return nil, err
	}
	clog.WithFields(log.Fields{"redisHost": cfg.Redis.Host, "couchAddr": cfg.Couch.DBAddr}).Info("backend ready")
	return Compose(rs, cs, cs.Close), nil
}
