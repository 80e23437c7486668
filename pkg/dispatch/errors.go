package dispatch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/gwerrors"
)

// GatewayError maps a dispatch failure to its boundary error kind
func GatewayError(err error, target string) *gwerrors.Error {
	if err == nil {
		return nil
	}
	if gwErr, ok := gwerrors.As(err); ok {
		return gwErr
	}
	var httpErr *HTTPError
	switch {
	case errors.Is(err, context.Canceled):
		return gwerrors.Wrap(err, gwerrors.KindCancelled, "request to %s cancelled", target)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return gwerrors.Wrap(err, gwerrors.KindDispatchTimeout, "request to %s timed out", target)
	case errors.Is(err, ErrConnection):
		return gwerrors.Wrap(err, gwerrors.KindDispatchConnection, "could not connect to %s", target)
	case errors.As(err, &httpErr):
		return gwerrors.Upstream(err, httpErr.Status)
	}
	return gwerrors.Wrap(err, gwerrors.KindDispatchConnection, "request to %s failed", target)
}
