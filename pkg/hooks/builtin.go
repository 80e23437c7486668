package hooks

import (
	"context"
	"regexp"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/mcp/protocol"
)

// Built-in hook kinds
const (
	KindDenyList     = "deny_list"
	KindRegexFilter  = "regex_filter"
	KindRateLimit    = "rate_limit"
	KindHeaderInject = "header_inject"
)

func init() {
	RegisterKind(KindDenyList, newDenyList)
	RegisterKind(KindRegexFilter, newRegexFilter)
	RegisterKind(KindRateLimit, newRateLimit)
	RegisterKind(KindHeaderInject, newHeaderInject)
}

// nopShutdown can be embedded by hooks without resources
type nopShutdown struct{}

func (nopShutdown) Shutdown(context.Context) error { return nil }

// denyList blocks calls to listed tools, prompts and resource uris
type denyList struct {
	nopShutdown
	tools     map[string]bool
	prompts   map[string]bool
	resources map[string]bool
}

type denyListConfig struct {
	Tools     []string `yaml:"tools"`
	Prompts   []string `yaml:"prompts"`
	Resources []string `yaml:"resources"`
}

func newDenyList(reg Registration) (Hook, error) {
	var cfg denyListConfig
	if err := DecodeConfig(reg, &cfg); err != nil {
		return nil, err
	}
	return &denyList{tools: toSet(cfg.Tools), prompts: toSet(cfg.Prompts), resources: toSet(cfg.Resources)}, nil
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func denied(kind, name string) *Result {
	return Block("DENIED", kind+" is on the deny list", kind+" "+name+" is not allowed", map[string]interface{}{kind: name})
}

func (d *denyList) ToolPreInvoke(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	if d.tools[p.Name] {
		return denied("tool", p.Name), nil
	}
	return Continue(), nil
}

func (d *denyList) PromptPreFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	if d.prompts[p.Name] {
		return denied("prompt", p.Name), nil
	}
	return Continue(), nil
}

func (d *denyList) ResourcePreFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	if d.resources[p.URI] {
		return denied("resource", p.URI), nil
	}
	return Continue(), nil
}

// regexFilter rewrites matching text in string arguments and in result text
type regexFilter struct {
	nopShutdown
	rules []filterRule
}

type filterRule struct {
	pattern     *regexp.Regexp
	replacement string
}

type regexFilterConfig struct {
	Rules []struct {
		Search  string `yaml:"search"`
		Replace string `yaml:"replace"`
	} `yaml:"rules"`
}

func newRegexFilter(reg Registration) (Hook, error) {
	var cfg regexFilterConfig
	if err := DecodeConfig(reg, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		return nil, errors.New("regex_filter needs at least one rule")
	}
	f := &regexFilter{}
	for _, r := range cfg.Rules {
		re, err := regexp.Compile(r.Search)
		if err != nil {
			return nil, errors.Wrapf(err, "compiling %q", r.Search)
		}
		f.rules = append(f.rules, filterRule{pattern: re, replacement: r.Replace})
	}
	return f, nil
}

func (f *regexFilter) apply(s string) (string, bool) {
	out := s
	for _, r := range f.rules {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out, out != s
}

func (f *regexFilter) filterValue(v interface{}) (interface{}, bool) {
	switch typed := v.(type) {
	case string:
		return f.apply(typed)
	case map[string]interface{}:
		changed := false
		for k, item := range typed {
			if out, ok := f.filterValue(item); ok {
				typed[k] = out
				changed = true
			}
		}
		return typed, changed
	case []interface{}:
		changed := false
		for i, item := range typed {
			if out, ok := f.filterValue(item); ok {
				typed[i] = out
				changed = true
			}
		}
		return typed, changed
	}
	return v, false
}

func (f *regexFilter) filterArguments(p *Payload) (*Result, error) {
	if p.Arguments == nil {
		return Continue(), nil
	}
	if _, changed := f.filterValue(p.Arguments); changed {
		return Modify(p), nil
	}
	return Continue(), nil
}

func (f *regexFilter) filterContent(parts []protocol.Content) ([]protocol.Content, bool) {
	out := make([]protocol.Content, len(parts))
	changed := false
	for i, c := range parts {
		out[i] = c
		if c.Type != "text" {
			continue
		}
		if text, ok := f.apply(c.Text); ok {
			out[i].Text = text
			changed = true
		}
	}
	return out, changed
}

func (f *regexFilter) filterResult(p *Payload) (*Result, error) {
	switch r := p.Result.(type) {
	case *protocol.CallToolResult:
		if content, changed := f.filterContent(r.Content); changed {
			p.Result = &protocol.CallToolResult{Content: content, IsError: r.IsError}
			return Modify(p), nil
		}
	case *protocol.ReadResourceResult:
		contents := make([]protocol.ResourceContents, len(r.Contents))
		changed := false
		for i, c := range r.Contents {
			contents[i] = c
			if text, ok := f.apply(c.Text); ok {
				contents[i].Text = text
				changed = true
			}
		}
		if changed {
			p.Result = &protocol.ReadResourceResult{Contents: contents}
			return Modify(p), nil
		}
	case *protocol.GetPromptResult:
		messages := make([]protocol.PromptMessage, len(r.Messages))
		changed := false
		for i, m := range r.Messages {
			messages[i] = m
			if m.Content.Type != "text" {
				continue
			}
			if text, ok := f.apply(m.Content.Text); ok {
				messages[i].Content.Text = text
				changed = true
			}
		}
		if changed {
			p.Result = &protocol.GetPromptResult{Description: r.Description, Messages: messages}
			return Modify(p), nil
		}
	}
	return Continue(), nil
}

func (f *regexFilter) ToolPreInvoke(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return f.filterArguments(p)
}

func (f *regexFilter) ToolPostInvoke(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return f.filterResult(p)
}

func (f *regexFilter) PromptPreFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return f.filterArguments(p)
}

func (f *regexFilter) PromptPostFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return f.filterResult(p)
}

func (f *regexFilter) ResourcePostFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return f.filterResult(p)
}

// rateLimit applies a token bucket per principal
type rateLimit struct {
	nopShutdown
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type rateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func newRateLimit(reg Registration) (Hook, error) {
	cfg := rateLimitConfig{RequestsPerSecond: 10}
	if err := DecodeConfig(reg, &cfg); err != nil {
		return nil, err
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, errors.New("rate_limit needs a positive requests_per_second")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &rateLimit{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		limiters: map[string]*rate.Limiter{},
	}, nil
}

func (l *rateLimit) check(p *Payload) (*Result, error) {
	principal := p.Principal
	if principal == "" {
		principal = "anonymous"
	}
	l.mu.Lock()
	limiter, ok := l.limiters[principal]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[principal] = limiter
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return Continue(), nil
	}
	return Block("RATE_LIMITED", "rate limit exceeded",
		"too many requests for "+principal,
		map[string]interface{}{"principal": principal, "limit": float64(l.limit), "burst": l.burst}), nil
}

func (l *rateLimit) ToolPreInvoke(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return l.check(p)
}

func (l *rateLimit) ResourcePreFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return l.check(p)
}

func (l *rateLimit) PromptPreFetch(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	return l.check(p)
}

func (l *rateLimit) Shutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = map[string]*rate.Limiter{}
	return nil
}

// headerInject adds static arguments to tool calls
type headerInject struct {
	nopShutdown
	arguments map[string]interface{}
	overwrite bool
}

type headerInjectConfig struct {
	Arguments map[string]interface{} `yaml:"arguments"`
	Overwrite bool                   `yaml:"overwrite"`
}

func newHeaderInject(reg Registration) (Hook, error) {
	var cfg headerInjectConfig
	if err := DecodeConfig(reg, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Arguments) == 0 {
		return nil, errors.New("header_inject needs at least one argument")
	}
	return &headerInject{arguments: cfg.Arguments, overwrite: cfg.Overwrite}, nil
}

func (h *headerInject) ToolPreInvoke(_ context.Context, p *Payload, _ *Context) (*Result, error) {
	if p.Arguments == nil {
		p.Arguments = map[string]interface{}{}
	}
	changed := false
	for k, v := range h.arguments {
		if _, exists := p.Arguments[k]; exists && !h.overwrite {
			continue
		}
		p.Arguments[k] = cloneValue(v)
		changed = true
	}
	if !changed {
		return Continue(), nil
	}
	return Modify(p), nil
}
