package store

import "errors"

// ErrClosed is returned by HealthCheck after Close.
var ErrClosed = errors.New("store is closed")
