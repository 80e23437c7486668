package federation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/lease"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Elector holds the health check lease. A follower retries to acquire it every retry
// interval, the leader renews it every third of the TTL and steps down as soon as a
// renewal fails.
type Elector struct {
	lease lease.Lease
	ttl   time.Duration
	retry time.Duration
	sink  events.Sink

	leading atomic.Bool
}

// NewElector creates an elector for the given lease
func NewElector(l lease.Lease, cfg config.LeaseConfig, sink events.Sink) *Elector {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.RetryInterval <= 0 || cfg.RetryInterval > cfg.TTL {
		cfg.RetryInterval = cfg.TTL / 3
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Elector{lease: l, ttl: cfg.TTL, retry: cfg.RetryInterval, sink: sink}
}

// IsLeader implements LeaderChecker
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run campaigns until ctx is done and releases the lease on the way out
func (e *Elector) Run(ctx context.Context) error {
	defer func() {
		if !e.leading.Load() {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.lease.Release(releaseCtx); err != nil {
			logging.LogWarningf(err, "failed releasing leader lease")
		}
		e.setLeading(false)
	}()

	for {
		wait := e.retry
		if e.leading.Load() {
			ok, err := e.lease.Renew(ctx)
			if err != nil && ctx.Err() == nil {
				logging.LogWarningf(err, "renewing leader lease failed")
			}
			if !ok || err != nil {
				e.setLeading(false)
			} else {
				wait = e.ttl / 3
			}
		} else {
			ok, err := e.lease.Acquire(ctx)
			if err != nil && ctx.Err() == nil {
				logging.LogWarningf(err, "acquiring leader lease failed")
			}
			if ok && err == nil {
				e.setLeading(true)
				wait = e.ttl / 3
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (e *Elector) setLeading(leading bool) {
	if e.leading.Swap(leading) == leading {
		return
	}
	value := 0.0
	if leading {
		value = 1
		logging.LogInfof("%s became health check leader", e.lease.Holder())
	} else {
		logging.LogInfof("%s stepped down as health check leader", e.lease.Holder())
	}
	metrics.Leader.Set(value)
	e.sink.Publish(events.New(events.LeadershipChanged, map[string]interface{}{
		"holder":  e.lease.Holder(),
		"leading": leading,
	}))
}
