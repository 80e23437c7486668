package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// entry is a loaded hook together with its registration
type entry struct {
	reg     Registration
	hook    Hook
	timeout time.Duration
}

// registry is an immutable set of loaded hooks. Readers hold a reference while they run
// a chain, a retired registry shuts its hooks down once the last reference is released.
type registry struct {
	version uint64
	entries []*entry
	chains  map[HookPoint][]*entry

	mu      sync.Mutex
	refs    int
	retired bool
	drained chan struct{}
}

func newRegistry(version uint64, entries []*entry) *registry {
	r := &registry{
		version: version,
		entries: entries,
		chains:  map[HookPoint][]*entry{},
		drained: make(chan struct{}),
	}
	for _, e := range entries {
		if e.reg.Mode == ModeDisabled {
			continue
		}
		for _, p := range e.reg.Hooks {
			r.chains[p] = append(r.chains[p], e)
		}
	}
	for p := range r.chains {
		chain := r.chains[p]
		sort.SliceStable(chain, func(i, j int) bool {
			if chain[i].reg.Priority != chain[j].reg.Priority {
				return chain[i].reg.Priority < chain[j].reg.Priority
			}
			return chain[i].reg.Name < chain[j].reg.Name
		})
	}
	return r
}

// buildRegistry instantiates every registration. Hooks created before a failure are shut down.
func buildRegistry(ctx context.Context, version uint64, cfg *Config, defaultTimeout time.Duration) (*registry, error) {
	timeout := defaultTimeout
	if cfg.Settings.Timeout > 0 {
		timeout = cfg.Settings.Timeout
	}

	entries := make([]*entry, 0, len(cfg.Plugins))
	fail := func(err error) (*registry, error) {
		shutdownEntries(ctx, entries)
		return nil, err
	}
	for _, reg := range cfg.Plugins {
		factory, ok := lookupKind(reg.Kind)
		if !ok {
			return fail(errors.Wrapf(ErrUnknownKind, "plugin %s: %q", reg.Name, reg.Kind))
		}
		hook, err := factory(reg)
		if err != nil {
			return fail(errors.Wrapf(err, "plugin %s", reg.Name))
		}
		e := &entry{reg: reg, hook: hook, timeout: timeout}
		if reg.Timeout > 0 {
			e.timeout = reg.Timeout
		}
		entries = append(entries, e)
		for _, p := range reg.Hooks {
			if !supports(hook, p) {
				return fail(errors.Wrapf(ErrPointUnsupported, "plugin %s (%s): %s", reg.Name, reg.Kind, p))
			}
		}
	}
	return newRegistry(version, entries), nil
}

func (r *registry) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	r.refs++
	return true
}

func (r *registry) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs--
	if r.retired && r.refs == 0 {
		close(r.drained)
	}
}

// retire stops new acquisitions. The returned channel is closed once no reader is left.
func (r *registry) retire() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.retired {
		r.retired = true
		if r.refs == 0 {
			close(r.drained)
		}
	}
	return r.drained
}

func (r *registry) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

func shutdownEntries(ctx context.Context, entries []*entry) {
	for _, e := range entries {
		if err := e.hook.Shutdown(ctx); err != nil {
			logging.LogWarningf(err, "shutting down hook %s failed", e.reg.Name)
		}
	}
}
