package models

import "errors"

// define error messages
var (
	ErrMetricImmutable = errors.New("tool metrics are append-only")
)
