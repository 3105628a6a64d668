// Package config centralizes the process's numeric knobs so every
// component can be overridden independently through its own functional
// options rather than reading a global. Static file/env loading is left
// to a process bootstrapper outside this package, which is expected to
// fill a Defaults value from whatever source it likes and pass fields
// into each component's options.
//
// ProgressThrottle, HeartbeatWindow and BacklogDepth have no matching
// component option and are not read anywhere: the job manager, worker and
// realtime analyzer use their own fixed constants of the same values.
package config

import "time"

// Defaults holds the process-wide tunable knobs and their defaults.
type Defaults struct {
	// ManifestTTL is the Manifest Cache TTL.
	ManifestTTL time.Duration
	// ProgressThrottle is the minimum absolute percent delta between
	// persisted progress updates.
	ProgressThrottle int
	// WorkerPollInterval is how long the worker loop sleeps when no job
	// is queued.
	WorkerPollInterval time.Duration
	// HeartbeatWindow is the liveness window an external probe uses to
	// detect a stalled worker.
	HeartbeatWindow time.Duration
	// BacklogDepth is the realtime analyzer's per-session backlog before
	// oldest-first frame dropping kicks in.
	BacklogDepth int
	// SessionIdleTimeout closes a realtime or job-progress session that
	// has not sent ping/frame traffic.
	SessionIdleTimeout time.Duration
	// JobTimeout bounds a single job's run before it is forced to
	// failed{cause:"timeout"}.
	JobTimeout time.Duration
}

// Default returns the package's built-in default values.
func Default() Defaults {
	return Defaults{
		ManifestTTL:        60 * time.Second,
		ProgressThrottle:   5,
		WorkerPollInterval: 500 * time.Millisecond,
		HeartbeatWindow:    5 * time.Second,
		BacklogDepth:       4,
		SessionIdleTimeout: 60 * time.Second,
		JobTimeout:         5 * time.Minute,
	}
}
