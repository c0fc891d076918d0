//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"math"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sandboxID is the uid and gid an isolated child sees for itself.
const sandboxID = 1000

func sysProcAttr(opts ProcessOptions) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if !opts.Isolate {
		if opts.UID != 0 {
			attr.Credential = &syscall.Credential{Uid: opts.UID, Gid: opts.GID}
		}
		return attr
	}

	hostUID, hostGID := os.Getuid(), os.Getgid()
	if opts.UID != 0 {
		hostUID, hostGID = int(opts.UID), int(opts.GID)
	}
	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNS |
		syscall.CLONE_NEWNET | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: sandboxID, HostID: hostUID, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: sandboxID, HostID: hostGID, Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	// Switch to the mapped identity inside the namespace, so the child's host
	// credentials become hostUID even when the service runs as root.
	attr.Credential = &syscall.Credential{Uid: sandboxID, Gid: sandboxID, NoSetGroups: true}
	return attr
}

// PrepareHost hardens the service process before it runs untrusted children.
// Marking it non-dumpable makes its /proc entries (environ, mem, fds)
// unreadable to children running under the same uid. Becoming a child
// subreaper makes processes that escape a sandbox's group reparent to the
// service, where the orphan sweep can kill them.
func PrepareHost() error {
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to mark process non-dumpable: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to become child subreaper: %w", err)
	}
	subreaper.Store(true)
	return nil
}

// applyRlimits installs kernel limits on a freshly started child. They back
// up the watchdog; descendants forked afterwards inherit them.
func applyRlimits(pid int, limits Limits, opts ProcessOptions) error {
	var errs []error
	set := func(name string, resource int, cur, max uint64) {
		if err := unix.Prlimit(pid, resource, &unix.Rlimit{Cur: cur, Max: max}, nil); err != nil {
			errs = append(errs, fmt.Errorf("prlimit %s: %w", name, err))
		}
	}

	if limits.MaxCPUTime > 0 {
		secs := uint64(math.Ceil(limits.MaxCPUTime.Seconds())) + 1
		set("cpu", unix.RLIMIT_CPU, secs, secs+1)
	}
	if opts.FileSizeLimit > 0 {
		set("fsize", unix.RLIMIT_FSIZE, uint64(opts.FileSizeLimit), uint64(opts.FileSizeLimit))
	}
	if opts.OpenFilesLimit > 0 {
		set("nofile", unix.RLIMIT_NOFILE, opts.OpenFilesLimit, opts.OpenFilesLimit)
	}
	set("core", unix.RLIMIT_CORE, 0, 0)

	return errors.Join(errs...)
}

// maxRSS reports peak resident memory in bytes (Linux reports KiB).
func maxRSS(st *os.ProcessState) int64 {
	if ru, ok := st.SysUsage().(*syscall.Rusage); ok {
		return int64(ru.Maxrss) * 1024
	}
	return 0
}
