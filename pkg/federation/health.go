package federation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/catalog"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/models"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// maxConcurrentProbes bounds the parallel health probes of one tick
const maxConcurrentProbes = 8

// LeaderChecker reports whether this process currently leads
type LeaderChecker interface {
	IsLeader() bool
}

// CheckPeer probes one peer and applies the resulting state transition. Inactive peers are
// probed as well, which makes this the recovery path for peers the health loop skips.
func (s *Service) CheckPeer(ctx context.Context, id uuid.UUID) (*models.Gateway, error) {
	gw, err := s.livePeer(ctx, id)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthCheckTimeout)
	err = s.peers.Ping(probeCtx, gw)
	cancel()
	if ctx.Err() != nil {
		return gw, ctx.Err()
	}
	if err != nil {
		metrics.HealthChecks.WithLabelValues("failure").Inc()
		logging.LogWarningf(err, "health check of peer %s failed", gw.Name)
		return s.recordFailure(ctx, gw, err), nil
	}
	metrics.HealthChecks.WithLabelValues("success").Inc()
	return s.recordSuccess(ctx, gw)
}

// recordSuccess resets the failure counter. A peer recovering from inactive gets its owned
// rows reactivated without a re-fetch. A peer that never completed a handshake is synced.
func (s *Service) recordSuccess(ctx context.Context, gw *models.Gateway) (*models.Gateway, error) {
	if len(gw.Capabilities) == 0 && gw.Enabled {
		synced, _, err := s.sync(ctx, gw)
		if err != nil {
			return s.recordFailure(ctx, gw, err), nil
		}
		return synced, nil
	}

	now := time.Now().UTC()
	t := catalog.GatewayTransition{
		ExpectState:    gw.State,
		ExpectFailures: &gw.FailureCount,
		State:          models.GatewayStateHealthy,
		CheckedAt:      &now,
	}
	if !gw.Enabled {
		// manually deactivated peers stay inactive until reactivated by an operator
		t.State = gw.State
	} else if gw.State == models.GatewayStateInactive {
		on := true
		t.Cascade = &on
	}
	updated, err := s.store.TransitionGateway(ctx, gw.ID, t)
	if err != nil {
		if errors.Is(err, catalog.ErrStaleState) {
			logging.LogDebugf("peer %s changed during health check, result discarded", gw.Name)
			return s.store.GetGateway(ctx, gw.ID)
		}
		return nil, err
	}
	s.stateChanged(gw, updated, "health_check")
	return updated, nil
}

// recordFailure counts a failed probe or handshake. Reaching the threshold deactivates the
// peer and its owned rows in one transaction. Errors are logged, the last known state is returned.
func (s *Service) recordFailure(ctx context.Context, gw *models.Gateway, cause error) *models.Gateway {
	now := time.Now().UTC()
	failures := gw.FailureCount + 1
	t := catalog.GatewayTransition{
		ExpectState:    gw.State,
		ExpectFailures: &gw.FailureCount,
		State:          models.GatewayStateDegraded,
		FailureCount:   failures,
		LastError:      cause.Error(),
		CheckedAt:      &now,
	}
	switch {
	case gw.State == models.GatewayStateRegistering:
		// a failed registration is kept for a later check regardless of the threshold
	case gw.State == models.GatewayStateInactive:
		t.State = models.GatewayStateInactive
	case failures >= s.cfg.UnhealthyThreshold:
		off := false
		t.State = models.GatewayStateInactive
		t.Cascade = &off
	}

	// the caller may already be gone, the transition must still land
	writeCtx := context.WithoutCancel(ctx)
	updated, err := s.store.TransitionGateway(writeCtx, gw.ID, t)
	if err != nil {
		if !errors.Is(err, catalog.ErrStaleState) {
			logging.LogErrorf(err, "failed recording failure of peer %s", gw.Name)
		}
		current, getErr := s.store.GetGateway(writeCtx, gw.ID)
		if getErr != nil {
			return gw
		}
		return current
	}
	s.stateChanged(gw, updated, "health_check")
	return updated
}

// CheckAll probes every peer due for a check in parallel. Deregistered and manually disabled
// peers are never probed, inactive ones only with probe-inactive enabled.
func (s *Service) CheckAll(ctx context.Context) error {
	peers, err := s.store.ListGateways(ctx, false)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, gw := range peers {
		if !gw.Enabled || !gw.Probeable(s.cfg.ProbeInactive) {
			continue
		}
		id, name := gw.ID, gw.Name
		g.Go(func() error {
			if _, err := s.CheckPeer(gctx, id); err != nil && gctx.Err() == nil {
				logging.LogWarningf(err, "health check of peer %s could not complete", name)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunHealthLoop checks peers every interval while leader reports leadership
func (s *Service) RunHealthLoop(ctx context.Context, leader LeaderChecker) error {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	logging.LogInfof("health loop started, interval %s", s.cfg.HealthCheckInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !leader.IsLeader() {
				continue
			}
			if err := s.CheckAll(ctx); err != nil && ctx.Err() == nil {
				logging.LogErrorf(err, "health check tick failed")
			}
		}
	}
}
