package hooks_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d4l-data4life/go-mcp-gateway/internal/testutils"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/events"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
	"github.com/d4l-data4life/go-mcp-gateway/pkg/hooks"
)

// scripted is a test hook whose behaviour is set by its config
type scripted struct {
	name   string
	action string
	sleep  time.Duration
}

var (
	shutdownMu sync.Mutex
	shutdowns  = map[string]int{}
)

func shutdownCount(name string) int {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	return shutdowns[name]
}

func init() {
	hooks.RegisterKind("scripted", func(reg hooks.Registration) (hooks.Hook, error) {
		var cfg struct {
			Action string        `yaml:"action"`
			Sleep  time.Duration `yaml:"sleep"`
		}
		if err := hooks.DecodeConfig(reg, &cfg); err != nil {
			return nil, err
		}
		return &scripted{name: reg.Name, action: cfg.Action, sleep: cfg.Sleep}, nil
	})
}

func (s *scripted) Shutdown(context.Context) error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	shutdowns[s.name]++
	return nil
}

func (s *scripted) ToolPreInvoke(ctx context.Context, p *hooks.Payload, hctx *hooks.Context) (*hooks.Result, error) {
	if p.Arguments == nil {
		p.Arguments = map[string]interface{}{}
	}
	trace, _ := p.Arguments["trace"].(string)
	p.Arguments["trace"] = trace + s.name + ";"
	hctx.State.Set("seen", true)
	switch s.action {
	case "block":
		return hooks.Block("NOPE", "scripted block", "blocked by "+s.name, nil), nil
	case "rewrite_block":
		p.Arguments["rewritten"] = true
		return &hooks.Result{Modified: p, Violation: &gwerrors.Violation{Code: "SOFT"}}, nil
	case "sleep":
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "panic":
		panic("scripted panic")
	case "error":
		return nil, assert.AnError
	}
	return hooks.Modify(p), nil
}

func (s *scripted) ToolPostInvoke(_ context.Context, p *hooks.Payload, hctx *hooks.Context) (*hooks.Result, error) {
	seen, _ := hctx.State.Get("seen")
	p.Result = seen
	return hooks.Modify(p), nil
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newManager(t *testing.T, content string) (*hooks.Manager, string, *testutils.RecordingSink) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	if content != "" {
		writeConfig(t, path, content)
	}
	sink := &testutils.RecordingSink{}
	m, err := hooks.NewManager(context.Background(), config.HookConfig{
		ConfigPath:     path,
		DefaultTimeout: time.Second,
		DrainTimeout:   time.Second,
	}, sink)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, path, sink
}

func trace(p *hooks.Payload) string {
	s, _ := p.Arguments["trace"].(string)
	return s
}

func TestRunChain_PriorityOrderAndModes(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: late
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 20
  - name: early
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 10
  - name: off
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 15
    mode: disabled
  - name: also-early
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 10
`)
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "also-early;early;late;", trace(out))
}

func TestRunChain_EnforceAndPermissive(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		wantBlocked bool
		wantTrace   string
	}{
		{name: "enforce blocks and short-circuits", mode: "enforce", wantBlocked: true},
		{name: "permissive logs and continues", mode: "permissive", wantTrace: "after;"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := newManager(t, `
plugins:
  - name: guard
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 1
    mode: `+tc.mode+`
    config: {action: block}
  - name: after
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 2
`)
			out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
			if tc.wantBlocked {
				require.Error(t, err)
				gwErr, ok := gwerrors.As(err)
				require.True(t, ok)
				assert.Equal(t, gwerrors.KindPolicyBlocked, gwErr.Kind)
				assert.Equal(t, "NOPE", gwErr.Violation.Code)
				assert.Equal(t, "guard", gwErr.Violation.Plugin)
				assert.Equal(t, "blocked by guard", gwErr.Message)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantTrace, trace(out))
		})
	}
}

func TestRunChain_PermissiveKeepsRewrite(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: soft
    kind: scripted
    hooks: [tool_pre_invoke]
    mode: permissive
    config: {action: rewrite_block}
`)
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out.Arguments["rewritten"])
}

func TestRunChain_FailuresAreNonBlocking(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: slow
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 1
    timeout: 20ms
    config: {action: sleep, sleep: 5s}
  - name: crash
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 2
    config: {action: panic}
  - name: broken
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 3
    config: {action: error}
  - name: fine
    kind: scripted
    hooks: [tool_pre_invoke]
    priority: 4
`)
	in := &hooks.Payload{Name: "t", Arguments: map[string]interface{}{}}
	start := time.Now()
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, in, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "fine;", trace(out))
	assert.Empty(t, in.Arguments, "the caller's payload is never mutated")
}

func TestRunChain_CallerCancellation(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: slow
    kind: scripted
    hooks: [tool_pre_invoke]
    config: {action: sleep, sleep: 5s}
`)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.RunChain(ctx, hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunChain_TagFilter(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: pii
    kind: scripted
    hooks: [tool_pre_invoke]
    tags: [pii]
`)
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t", Tags: []string{"public"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, trace(out))

	out, err = m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t", Tags: []string{"PII"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "pii;", trace(out))
}

func TestRunChain_StateSharedBetweenPreAndPost(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: stateful
    kind: scripted
    hooks: [tool_pre_invoke, tool_post_invoke]
`)
	snap := m.Snapshot()
	defer snap.Release()

	gctx := hooks.NewGlobalContext("req-1", "alice", "")
	_, err := snap.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, gctx)
	require.NoError(t, err)
	out, err := snap.RunChain(context.Background(), hooks.ToolPostInvoke, &hooks.Payload{Name: "t"}, gctx)
	require.NoError(t, err)
	assert.Equal(t, true, out.Result)

	fresh, err := snap.RunChain(context.Background(), hooks.ToolPostInvoke, &hooks.Payload{Name: "t"}, hooks.NewGlobalContext("req-2", "alice", ""))
	require.NoError(t, err)
	assert.Nil(t, fresh.Result, "a new invocation starts with empty state")
}

func TestReload_SnapshotIsolation(t *testing.T) {
	m, path, sink := newManager(t, `
plugins:
  - name: old-hook
    kind: scripted
    hooks: [tool_pre_invoke]
`)
	inFlight := m.Snapshot()
	oldVersion := inFlight.Version()

	writeConfig(t, path, `
plugins:
  - name: new-hook
    kind: scripted
    hooks: [tool_pre_invoke]
`)
	require.NoError(t, m.Reload(context.Background()))
	assert.Greater(t, m.Version(), oldVersion)

	out, err := inFlight.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "old-hook;", trace(out))
	assert.Equal(t, 0, shutdownCount("old-hook"), "old hooks stay alive while a chain holds them")

	out, err = m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new-hook;", trace(out))

	inFlight.Release()
	require.Eventually(t, func() bool { return shutdownCount("old-hook") == 1 }, time.Second, 5*time.Millisecond)

	reloaded := sink.Events(events.HooksReloaded)
	require.Len(t, reloaded, 1)
	assert.Equal(t, true, reloaded[0].Data["success"])
}

func TestReload_RollbackOnInvalidConfig(t *testing.T) {
	m, path, sink := newManager(t, `
plugins:
  - name: keeper
    kind: scripted
    hooks: [tool_pre_invoke]
  - name: sibling
    kind: scripted
    hooks: [tool_pre_invoke]
`)
	version := m.Version()

	for _, broken := range []string{
		"plugins: [",
		"plugins:\n  - name: x\n    kind: does_not_exist\n    hooks: [tool_pre_invoke]\n",
		"plugins:\n  - name: x\n    kind: deny_list\n    hooks: [tool_post_invoke]\n",
		"plugins:\n  - name: x\n    kind: regex_filter\n    hooks: [tool_pre_invoke]\n",
	} {
		writeConfig(t, path, broken)
		err := m.Reload(context.Background())
		require.Error(t, err)
		assert.True(t, gwerrors.IsKind(err, gwerrors.KindConfigReloadFailed), err.Error())
		assert.Equal(t, version, m.Version())
	}

	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "keeper;sibling;", trace(out))
	assert.Len(t, m.Hooks(), 2)
	assert.Equal(t, 0, shutdownCount("keeper"))
	assert.Len(t, sink.Events(events.HooksReloaded), 4)
}

func TestNewManager_MissingFileStartsEmpty(t *testing.T) {
	m, _, _ := newManager(t, "")
	assert.Empty(t, m.Hooks())
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "t", out.Name)
}

func TestShutdown_RetiresActiveHooks(t *testing.T) {
	m, _, _ := newManager(t, `
plugins:
  - name: closing
    kind: scripted
    hooks: [tool_pre_invoke]
`)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	assert.Equal(t, 1, shutdownCount("closing"))

	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
	require.NoError(t, err)
	assert.Empty(t, trace(out))
}

func TestNilManagerRunsNoHooks(t *testing.T) {
	var m *hooks.Manager
	in := &hooks.Payload{Name: "t"}
	out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, in, nil)
	require.NoError(t, err)
	assert.Same(t, in, out)
}

func TestReload_ConcurrentInvocationsNeverSeeEmptyRegistry(t *testing.T) {
	const cfgA = "plugins:\n  - name: a\n    kind: scripted\n    hooks: [tool_pre_invoke]\n"
	const cfgB = "plugins:\n  - name: b\n    kind: scripted\n    hooks: [tool_pre_invoke]\n"
	m, path, _ := newManager(t, cfgA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				out, err := m.RunChain(context.Background(), hooks.ToolPreInvoke, &hooks.Payload{Name: "t"}, nil)
				if err != nil || (trace(out) != "a;" && trace(out) != "b;") {
					select {
					case errs <- trace(out):
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			writeConfig(t, path, cfgB)
		} else {
			writeConfig(t, path, cfgA)
		}
		require.NoError(t, m.Reload(context.Background()))
	}
	cancel()
	wg.Wait()
	close(errs)
	for bad := range errs {
		t.Errorf("chain observed unexpected hooks %q", bad)
	}
}

func TestHelpers(t *testing.T) {
	gctx := hooks.NewGlobalContext("req-9", "bob", "srv-1")
	gctx.State.Set("tenant", "acme")
	hctx := &hooks.Context{Global: gctx, Config: map[string]interface{}{"limit": 3}}

	assert.Equal(t, 3, hooks.GetConfigValue(hctx, "limit", 1))
	assert.Equal(t, 1, hooks.GetConfigValue(hctx, "missing", 1))
	assert.Equal(t, "req-9", hooks.GetGlobalContextValue(hctx, "request_id", nil))
	assert.Equal(t, "bob", hooks.GetGlobalContextValue(hctx, "principal", nil))
	assert.Equal(t, "srv-1", hooks.GetGlobalContextValue(hctx, "server_id", nil))
	assert.Equal(t, "acme", hooks.GetGlobalContextValue(hctx, "tenant", nil))
	assert.Equal(t, "none", hooks.GetGlobalContextValue(hctx, "nothing", "none"))
	assert.Equal(t, "d", hooks.GetConfigValue(nil, "x", "d"))
}
