package autoscale

import "errors"

var (
	// ErrInvalidConfiguration is fatal: a loop built from such a config never starts.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrMetricUnavailable means the backlog could not be read this tick.
	ErrMetricUnavailable = errors.New("metric unavailable")
	// ErrTargetUnavailable means the current replica count could not be read this tick.
	ErrTargetUnavailable = errors.New("replica count unavailable")
	// ErrScaleCommandFailed means the target did not accept a replica change.
	ErrScaleCommandFailed = errors.New("scale command failed")
	// ErrAlreadyRunning is returned by Start on a running loop.
	ErrAlreadyRunning = errors.New("loop already running")
	// ErrNotRunning is returned by RunOnce on a loop that has been stopped.
	ErrNotRunning = errors.New("loop not running")
)
