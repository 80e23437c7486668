package hooks

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Manager owns the active hook registry and reloads it from the configuration file
type Manager struct {
	path           string
	defaultTimeout time.Duration
	drainTimeout   time.Duration
	sink           events.Sink

	current  atomic.Pointer[registry]
	versions atomic.Uint64
	reloadMu sync.Mutex
	retiring sync.WaitGroup
}

// HookInfo describes a loaded hook
type HookInfo struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Hooks    []HookPoint   `json:"hooks"`
	Priority int           `json:"priority"`
	Mode     Mode          `json:"mode"`
	Tags     []string      `json:"tags,omitempty"`
	Timeout  time.Duration `json:"timeout"`
}

// NewManager creates a manager and loads the configuration file.
// A missing file yields an empty registry, an invalid file is an error.
func NewManager(ctx context.Context, cfg config.HookConfig, sink events.Sink) (*Manager, error) {
	if sink == nil {
		sink = events.NopSink{}
	}
	m := &Manager{
		path:           cfg.ConfigPath,
		defaultTimeout: cfg.DefaultTimeout,
		drainTimeout:   cfg.DrainTimeout,
		sink:           sink,
	}
	if m.defaultTimeout <= 0 {
		m.defaultTimeout = 5 * time.Second
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = 30 * time.Second
	}

	if _, err := os.Stat(m.path); m.path == "" || os.IsNotExist(err) {
		logging.LogInfof("no hook configuration found at %q, starting without hooks", m.path)
		m.current.Store(newRegistry(m.versions.Add(1), nil))
		return m, nil
	}
	reg, err := m.build(ctx)
	if err != nil {
		return nil, err
	}
	m.current.Store(reg)
	logging.LogInfof("loaded %d hooks from %s", len(reg.entries), m.path)
	return m, nil
}

// Path returns the watched configuration file
func (m *Manager) Path() string {
	return m.path
}

// Version increases with every successful load
func (m *Manager) Version() uint64 {
	if m == nil {
		return 0
	}
	return m.current.Load().version
}

// Hooks describes the hooks of the active registry in load order
func (m *Manager) Hooks() []HookInfo {
	if m == nil {
		return nil
	}
	reg := m.current.Load()
	out := make([]HookInfo, 0, len(reg.entries))
	for _, e := range reg.entries {
		out = append(out, HookInfo{
			Name:     e.reg.Name,
			Kind:     e.reg.Kind,
			Hooks:    e.reg.Hooks,
			Priority: e.reg.Priority,
			Mode:     e.reg.Mode,
			Tags:     e.reg.Tags,
			Timeout:  e.timeout,
		})
	}
	return out
}

func (m *Manager) build(ctx context.Context) (*registry, error) {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return nil, err
	}
	return buildRegistry(ctx, m.versions.Add(1), cfg, m.defaultTimeout)
}

// Reload builds a new registry from the configuration file and swaps it in.
// On failure the active registry stays in place and a config_reload_failed error is returned.
// Hooks of the replaced registry are shut down once in-flight chains released it.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	next, err := m.build(ctx)
	if err != nil {
		metrics.HookReloads.WithLabelValues("failed").Inc()
		active := m.current.Load()
		logging.LogErrorf(err, "hook reload failed, keeping %d active hooks (version %d)", len(active.entries), active.version)
		m.sink.Publish(events.New(events.HooksReloaded, map[string]interface{}{
			"success": false,
			"version": active.version,
			"error":   err.Error(),
		}))
		return gwerrors.Wrap(err, gwerrors.KindConfigReloadFailed, "hook configuration reload failed: %v", err)
	}

	prev := m.current.Swap(next)
	metrics.HookReloads.WithLabelValues("success").Inc()
	logging.LogInfof("reloaded %d hooks (version %d)", len(next.entries), next.version)
	m.sink.Publish(events.New(events.HooksReloaded, map[string]interface{}{
		"success": true,
		"version": next.version,
		"hooks":   len(next.entries),
	}))

	m.retiring.Add(1)
	go func() {
		defer m.retiring.Done()
		m.retire(context.WithoutCancel(ctx), prev)
	}()
	return nil
}

// retire waits for in-flight chains of reg, bounded by the drain timeout, and shuts its hooks down
func (m *Manager) retire(ctx context.Context, reg *registry) {
	if reg == nil {
		return
	}
	drained := reg.retire()
	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		logging.LogWarningf(nil, "hook registry version %d still has %d chains in flight after %s, shutting down anyway",
			reg.version, reg.inFlight(), m.drainTimeout)
	}
	shutdownEntries(ctx, reg.entries)
}

// Shutdown shuts down the active hooks and waits for pending retirements
func (m *Manager) Shutdown(ctx context.Context) {
	if m == nil {
		return
	}
	m.reloadMu.Lock()
	reg := m.current.Swap(newRegistry(m.versions.Add(1), nil))
	m.reloadMu.Unlock()

	m.retire(ctx, reg)
	m.retiring.Wait()
}

// Snapshot pins the active registry. The caller must Release it when the invocation ends.
// A nil manager returns a nil snapshot that runs empty chains.
func (m *Manager) Snapshot() *Snapshot {
	if m == nil {
		return nil
	}
	for {
		reg := m.current.Load()
		if reg.acquire() {
			return &Snapshot{reg: reg}
		}
	}
}

// RunChain runs one chain against a fresh snapshot
func (m *Manager) RunChain(ctx context.Context, point HookPoint, payload *Payload, gctx *GlobalContext) (*Payload, error) {
	snap := m.Snapshot()
	defer snap.Release()
	return snap.RunChain(ctx, point, payload, gctx)
}

// Snapshot is a pinned registry shared by the chains of one invocation
type Snapshot struct {
	reg  *registry
	once sync.Once
}

// Version returns the registry version of the snapshot
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.reg.version
}

// Release unpins the registry. It is safe to call more than once.
func (s *Snapshot) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.reg.release)
}

// RunChain runs the hooks registered for point in priority order.
// It returns the possibly rewritten payload, or a policy_blocked error when an enforcing hook
// blocked. Hook errors, timeouts and panics are logged and skipped. Cancellation of ctx
// aborts the chain with the context error.
func (s *Snapshot) RunChain(ctx context.Context, point HookPoint, payload *Payload, gctx *GlobalContext) (*Payload, error) {
	if s == nil {
		return payload, nil
	}
	chain := s.reg.chains[point]
	if len(chain) == 0 {
		return payload, nil
	}
	if gctx == nil {
		gctx = NewGlobalContext("", payload.Principal, "")
	}

	current := payload
	for _, e := range chain {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		if len(e.reg.Tags) > 0 && !hasAnyTag(e.reg.Tags, current.Tags) {
			continue
		}

		hctx := &Context{
			Global: gctx,
			State:  gctx.hookState(e.reg.Name),
			Name:   e.reg.Name,
			Config: e.reg.Config,
		}
		start := time.Now()
		res, err := e.call(ctx, point, current, hctx)
		metrics.HookDuration.WithLabelValues(string(point)).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return current, ctxErr
			}
			reason := "error"
			switch {
			case errors.Is(err, ErrHookTimeout):
				reason = "timeout"
			case errors.Is(err, ErrHookPanic):
				reason = "panic"
			}
			metrics.HookFailures.WithLabelValues(e.reg.Name, reason).Inc()
			metrics.HookOutcomes.WithLabelValues(string(point), "failed").Inc()
			logging.LogWarningf(err, "hook %s failed on %s, continuing", e.reg.Name, point)
			continue
		}
		if res == nil {
			metrics.HookOutcomes.WithLabelValues(string(point), "continue").Inc()
			continue
		}

		if res.Modified != nil {
			current = res.Modified
		}
		if res.Violation == nil {
			metrics.HookOutcomes.WithLabelValues(string(point), "modified").Inc()
			continue
		}

		violation := *res.Violation
		violation.Plugin = e.reg.Name
		if e.reg.Mode == ModePermissive {
			metrics.HookOutcomes.WithLabelValues(string(point), "permissive_block").Inc()
			logging.LogWarningf(nil, "hook %s would block %s on %s (%s: %s), permissive mode",
				e.reg.Name, current.Name+current.URI, point, violation.Code, violation.Reason)
			continue
		}
		metrics.HookOutcomes.WithLabelValues(string(point), "blocked").Inc()
		logging.LogInfof("hook %s blocked %s on %s: %s", e.reg.Name, current.Name+current.URI, point, violation.Code)
		return current, gwerrors.PolicyBlocked(violation)
	}
	return current, nil
}

// call runs a single hook under its timeout. The hook receives its own copy of the payload.
func (e *entry) call(ctx context.Context, point HookPoint, payload *Payload, hctx *Context) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Wrapf(ErrHookPanic, "%v", r)}
			}
		}()
		res, err := invokePoint(callCtx, e.hook, point, payload.Clone(), hctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrHookTimeout, "after %s", e.timeout)
	}
}
