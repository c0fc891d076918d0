//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

type ProcessOptions struct {
	// Root is the parent directory for private workspaces.
	Root string
	// PollInterval is how often the watchdog samples memory and CPU.
	PollInterval time.Duration
	// WaitDelay bounds how long output pipes may stay open after the child
	// exits (e.g. held by an orphaned grandchild).
	WaitDelay      time.Duration
	FileSizeLimit  int64
	OpenFilesLimit uint64
	// Isolate starts each child in new user, PID, mount, network, IPC and
	// UTS namespaces. Linux only; ignored elsewhere.
	Isolate bool
	// UID and GID, when non-zero, are the host identity of the child.
	UID uint32
	GID uint32
}

// spawned holds the pids of children started by any ProcessSandbox. A child
// of the service that is not in the set escaped a sandbox.
var spawned = struct {
	sync.Mutex
	pids map[int]struct{}
}{pids: make(map[int]struct{})}

// subreaper is set once PrepareHost made the service a child subreaper.
var subreaper atomic.Bool

const maxSweepPasses = 8

// ProcessSandbox runs each command as a host child process in its own
// process group, supervised by a watchdog goroutine.
type ProcessSandbox struct {
	opts   ProcessOptions
	logger *zerolog.Logger
}

var _ Sandbox = (*ProcessSandbox)(nil)

func NewProcessSandbox(opts ProcessOptions, logger *zerolog.Logger) *ProcessSandbox {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = 500 * time.Millisecond
	}
	if opts.FileSizeLimit == 0 {
		opts.FileSizeLimit = 64 << 20
	}
	if opts.OpenFilesLimit == 0 {
		opts.OpenFilesLimit = 1024
	}
	return &ProcessSandbox{opts: opts, logger: logger}
}

func (s *ProcessSandbox) Run(ctx context.Context, cmd Command, limits Limits) *Result {
	start := time.Now()

	// 1. Private workspace unless the caller owns one
	dir := cmd.Dir
	if dir == "" {
		ws, err := NewWorkspace(s.opts.Root)
		if err != nil {
			return spawnFailed(start, err)
		}
		defer func() {
			if err := ws.Remove(); err != nil {
				s.logger.Warn().Err(err).Str("dir", ws.Path()).Msg("workspace cleanup failed")
			}
		}()
		dir = ws.Path()
	}
	if s.opts.UID != 0 {
		if err := os.Chown(dir, int(s.opts.UID), int(s.opts.GID)); err != nil {
			return spawnFailed(start, fmt.Errorf("failed to hand workspace to uid %d: %w", s.opts.UID, err))
		}
	}

	path := cmd.Path
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(dir, path)
	}

	// 2. Spawn. The watchdog owns termination, so no CommandContext here.
	c := exec.Command(path, cmd.Args...)
	c.Dir = dir
	c.Env = append([]string{"HOME=" + dir, "TMPDIR=" + dir}, cmd.Env...)
	c.SysProcAttr = sysProcAttr(s.opts)
	c.WaitDelay = s.opts.WaitDelay
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	out := newOutputCapture(limits.MaxOutputBytes)
	c.Stdout = out.Stdout()
	c.Stderr = out.Stderr()

	spawned.Lock()
	err := c.Start()
	if err == nil {
		spawned.pids[c.Process.Pid] = struct{}{}
	}
	spawned.Unlock()
	if err != nil {
		return spawnFailed(start, fmt.Errorf("failed to start %s: %w", cmd.Path, err))
	}
	pid := c.Process.Pid

	if err := applyRlimits(pid, limits, s.opts); err != nil {
		s.logger.Warn().Err(err).Int("pid", pid).Msg("failed to apply rlimits")
	}

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	// 3. Supervise until exit or a limit fires
	w := s.watch(ctx, pid, limits, done)

	// Background children of a clean exit still belong to the group.
	killGroup(pid)
	spawned.Lock()
	delete(spawned.pids, pid)
	spawned.Unlock()
	s.sweepOrphans()

	res := &Result{
		Duration:        time.Since(start),
		CPUTime:         w.cpu,
		PeakMemoryBytes: w.peak,
	}
	out.fill(res)
	if st := c.ProcessState; st != nil {
		if cpu := st.UserTime() + st.SystemTime(); cpu > res.CPUTime {
			res.CPUTime = cpu
		}
		if rss := maxRSS(st); rss > res.PeakMemoryBytes {
			res.PeakMemoryBytes = rss
		}
	}
	res.Status, res.ExitCode = classify(w, c.ProcessState)

	s.logger.Debug().
		Int("pid", pid).
		Str("status", res.Status.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Int64("peak_memory", res.PeakMemoryBytes).
		Msg("sandboxed process finished")

	return res
}

type watchResult struct {
	waitErr error
	killed  bool
	reason  Status
	peak    int64
	cpu     time.Duration
}

// watch races child exit against the wall deadline, resource sampling and
// cancellation. It always returns after the child has been reaped.
func (s *ProcessSandbox) watch(ctx context.Context, pid int, limits Limits, done <-chan error) watchResult {
	var w watchResult

	var deadline <-chan time.Time
	if limits.MaxWallTime > 0 {
		timer := time.NewTimer(limits.MaxWallTime)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	kill := func(reason Status) watchResult {
		w.killed = true
		w.reason = reason
		s.terminate(pid)
		w.waitErr = <-done
		return w
	}

	for {
		select {
		case err := <-done:
			w.waitErr = err
			return w
		case <-deadline:
			return kill(StatusTimedOut)
		case <-ctx.Done():
			return kill(StatusKilled)
		case <-ticker.C:
			usage := sampleTree(context.Background(), pid)
			w.peak = max(w.peak, usage.rss)
			w.cpu = max(w.cpu, usage.cpu)
			if limits.MaxMemoryBytes > 0 && usage.rss > limits.MaxMemoryBytes {
				return kill(StatusMemoryExceeded)
			}
			if limits.MaxCPUTime > 0 && usage.cpu > limits.MaxCPUTime {
				return kill(StatusTimedOut)
			}
		}
	}
}

// terminate kills the process group and any descendant that left it.
func (s *ProcessSandbox) terminate(pid int) {
	escaped := descendants(context.Background(), pid)
	killGroup(pid)
	for _, p := range escaped {
		if err := unix.Kill(int(p), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Warn().Err(err).Int32("pid", p).Msg("failed to kill descendant")
		}
	}
}

// sweepOrphans kills and reaps processes that left their sandbox's process
// group and were reparented to the service. It only finds them once
// PrepareHost has made the service a subreaper; otherwise they belong to init.
func (s *ProcessSandbox) sweepOrphans() {
	if !subreaper.Load() {
		return
	}

	ctx := context.Background()
	self := os.Getpid()
	for range maxSweepPasses {
		spawned.Lock()
		var orphans []int32
		for _, p := range children(ctx, self) {
			if _, ok := spawned.pids[int(p)]; !ok {
				orphans = append(orphans, p)
			}
		}
		for _, p := range orphans {
			for _, d := range descendants(ctx, int(p)) {
				_ = unix.Kill(int(d), unix.SIGKILL)
			}
			_ = unix.Kill(int(p), unix.SIGKILL)
		}
		spawned.Unlock()

		if len(orphans) == 0 {
			return
		}
		for _, p := range orphans {
			var ws unix.WaitStatus
			if _, err := unix.Wait4(int(p), &ws, 0, nil); err != nil && !errors.Is(err, unix.ECHILD) {
				s.logger.Warn().Err(err).Int32("pid", p).Msg("failed to reap orphan")
			}
		}
		s.logger.Debug().Int("count", len(orphans)).Msg("swept escaped processes")
	}
}

func killGroup(pgid int) {
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

func classify(w watchResult, st *os.ProcessState) (Status, int) {
	code := -1
	if st != nil {
		code = st.ExitCode()
	}

	if w.killed {
		return w.reason, code
	}
	if st == nil {
		return StatusKilled, code
	}
	if st.Success() && (w.waitErr == nil || errors.Is(w.waitErr, exec.ErrWaitDelay)) {
		return StatusSuccess, 0
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		if ws.Signal() == syscall.SIGXCPU {
			return StatusTimedOut, code
		}
		return StatusKilled, code
	}
	return StatusNonZeroExit, code
}
