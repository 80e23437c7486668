package hooks

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Hook is implemented by every hook. A hook additionally implements one interface
// per hook point it serves.
type Hook interface {
	Shutdown(ctx context.Context) error
}

type ToolPreInvoker interface {
	ToolPreInvoke(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

type ToolPostInvoker interface {
	ToolPostInvoke(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

type ResourcePreFetcher interface {
	ResourcePreFetch(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

type ResourcePostFetcher interface {
	ResourcePostFetch(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

type PromptPreFetcher interface {
	PromptPreFetch(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

type PromptPostFetcher interface {
	PromptPostFetch(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

// PeerObserver is notified about federation lifecycle changes
type PeerObserver interface {
	PeerRegistered(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
	PeerDeregistered(ctx context.Context, payload *Payload, hctx *Context) (*Result, error)
}

// define error messages
var (
	ErrUnknownKind      = errors.New("unknown hook kind")
	ErrPointUnsupported = errors.New("hook does not implement hook point")
	ErrHookTimeout      = errors.New("hook timed out")
	ErrHookPanic        = errors.New("hook panicked")
)

// Factory creates a hook from its registration
type Factory func(reg Registration) (Hook, error)

var (
	kindsMu sync.RWMutex
	kinds   = map[string]Factory{}
)

// RegisterKind makes a hook kind available to configuration files.
// It panics if the kind is registered twice.
func RegisterKind(kind string, factory Factory) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if factory == nil {
		panic("hooks: RegisterKind factory is nil")
	}
	if _, dup := kinds[kind]; dup {
		panic("hooks: RegisterKind called twice for kind " + kind)
	}
	kinds[kind] = factory
}

// Kinds returns the registered hook kinds in alphabetical order
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookupKind(kind string) (Factory, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	f, ok := kinds[kind]
	return f, ok
}

// supports reports whether h implements the interface of point
func supports(h Hook, point HookPoint) bool {
	switch point {
	case ToolPreInvoke:
		_, ok := h.(ToolPreInvoker)
		return ok
	case ToolPostInvoke:
		_, ok := h.(ToolPostInvoker)
		return ok
	case ResourcePreFetch:
		_, ok := h.(ResourcePreFetcher)
		return ok
	case ResourcePostFetch:
		_, ok := h.(ResourcePostFetcher)
		return ok
	case PromptPreFetch:
		_, ok := h.(PromptPreFetcher)
		return ok
	case PromptPostFetch:
		_, ok := h.(PromptPostFetcher)
		return ok
	case PeerRegistered, PeerDeregistered:
		_, ok := h.(PeerObserver)
		return ok
	}
	return false
}

// invokePoint calls the method of h that serves point
func invokePoint(ctx context.Context, h Hook, point HookPoint, payload *Payload, hctx *Context) (*Result, error) {
	switch point {
	case ToolPreInvoke:
		if x, ok := h.(ToolPreInvoker); ok {
			return x.ToolPreInvoke(ctx, payload, hctx)
		}
	case ToolPostInvoke:
		if x, ok := h.(ToolPostInvoker); ok {
			return x.ToolPostInvoke(ctx, payload, hctx)
		}
	case ResourcePreFetch:
		if x, ok := h.(ResourcePreFetcher); ok {
			return x.ResourcePreFetch(ctx, payload, hctx)
		}
	case ResourcePostFetch:
		if x, ok := h.(ResourcePostFetcher); ok {
			return x.ResourcePostFetch(ctx, payload, hctx)
		}
	case PromptPreFetch:
		if x, ok := h.(PromptPreFetcher); ok {
			return x.PromptPreFetch(ctx, payload, hctx)
		}
	case PromptPostFetch:
		if x, ok := h.(PromptPostFetcher); ok {
			return x.PromptPostFetch(ctx, payload, hctx)
		}
	case PeerRegistered:
		if x, ok := h.(PeerObserver); ok {
			return x.PeerRegistered(ctx, payload, hctx)
		}
	case PeerDeregistered:
		if x, ok := h.(PeerObserver); ok {
			return x.PeerDeregistered(ctx, payload, hctx)
		}
	}
	return nil, errors.Wrapf(ErrPointUnsupported, "%s", point)
}
