package sandbox

import (
	"context"
	"time"
)

// Status is the terminal state of one sandboxed invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusNonZeroExit
	StatusTimedOut
	StatusMemoryExceeded
	StatusKilled
	StatusSpawnFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNonZeroExit:
		return "non_zero_exit"
	case StatusTimedOut:
		return "timed_out"
	case StatusMemoryExceeded:
		return "memory_exceeded"
	case StatusKilled:
		return "killed"
	case StatusSpawnFailed:
		return "spawn_failed"
	default:
		return "unknown"
	}
}

// Limits bounds a single invocation. A zero field means "no limit", except
// MaxWallTime which every caller is expected to set.
type Limits struct {
	MaxWallTime    time.Duration
	MaxCPUTime     time.Duration
	MaxMemoryBytes int64
	MaxOutputBytes int64
}

// Command describes the child to spawn.
//
// Path may be relative to Dir (e.g. "./main"). Env is the complete child
// environment; nothing is inherited from the host process. When Dir is
// empty the sandbox creates a private workspace and removes it afterwards.
type Command struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin []byte
}

type Result struct {
	Status   Status
	ExitCode int
	Stdout   string
	Stderr   string
	// Truncated reports that the combined output exceeded MaxOutputBytes.
	Truncated       bool
	Duration        time.Duration
	CPUTime         time.Duration
	PeakMemoryBytes int64
	// Err carries the cause of StatusSpawnFailed.
	Err error
}

// Sandbox runs untrusted commands under Limits. Run never returns nil and
// never panics on child misbehaviour; every failure is a Status.
type Sandbox interface {
	Run(ctx context.Context, cmd Command, limits Limits) *Result
}

func spawnFailed(start time.Time, err error) *Result {
	return &Result{
		Status:   StatusSpawnFailed,
		ExitCode: -1,
		Duration: time.Since(start),
		Err:      err,
	}
}
