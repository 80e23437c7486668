// Package lease provides the cross-process mutual exclusion used for leader election.
package lease

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
)

// ErrUnknownBackend is returned for an unsupported LEASE_BACKEND
var ErrUnknownBackend = errors.New("unknown lease backend")

// Lease is a named lock held by at most one holder at a time.
// Acquire and Renew report false without error when another holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Holder() string
}

// New creates the lease selected by the configuration
func New(ctx context.Context, cfg config.LeaseConfig, holder string) (Lease, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.RedisAddr)
		}
		return NewRedisLease(client, cfg.Name, holder, cfg.TTL), nil
	case "file", "":
		return NewFileLease(cfg.FilePath, holder), nil
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "backend %q", cfg.Backend)
}
