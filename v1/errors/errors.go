// Package errors holds the sentinel errors shared by the keepalive packages.
package errors

import "errors"

var (
	// ErrTimeout marks a probe dial that ran out of time.
	ErrTimeout = errors.New("keepalive: probe timeout")

	// ErrInit is returned when the shared lock segment cannot be mapped or
	// the lock cannot be constructed over it.
	ErrInit = errors.New("keepalive: lock initialization failed")
	// ErrNotInitialized is returned when the coordinator is used before Init.
	ErrNotInitialized = errors.New("keepalive: lock not initialized")
	// ErrAllocation marks a failure building the per-sweep context.
	ErrAllocation = errors.New("keepalive: sweep allocation failed")
	// ErrRejected is returned by a prober that refuses a sweep synchronously.
	ErrRejected = errors.New("keepalive: probe rejected")
	// ErrInvalidInterval is returned for non-positive sweep intervals.
	ErrInvalidInterval = errors.New("keepalive: interval must be positive")
	// ErrAlreadyRegistered is returned when the periodic task is registered twice.
	ErrAlreadyRegistered = errors.New("keepalive: periodic task already registered")
)
