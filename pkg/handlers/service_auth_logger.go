package handlers

import (
	"context"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// serviceAuthLogger reports rejected calls to the internal admin routes
type serviceAuthLogger struct{}

// NewServiceAuthLogger creates the logger used by the service secret authenticator
func NewServiceAuthLogger() *serviceAuthLogger {
	return &serviceAuthLogger{}
}

// ErrGeneric logs a rejected service-to-service call
func (l *serviceAuthLogger) ErrGeneric(_ context.Context, err error) error {
	logging.LogWarningf(err, "service secret authentication failed on internal admin route")
	return err
}
