//go:build unix && !linux

package sandbox

import (
	"os"
	"syscall"
)

func sysProcAttr(opts ProcessOptions) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if opts.UID != 0 {
		attr.Credential = &syscall.Credential{Uid: opts.UID, Gid: opts.GID}
	}
	return attr
}

// PrepareHost is a no-op outside Linux.
func PrepareHost() error {
	return nil
}

// No prlimit outside Linux; the watchdog enforces every limit on its own.
func applyRlimits(int, Limits, ProcessOptions) error {
	return nil
}

func maxRSS(st *os.ProcessState) int64 {
	if ru, ok := st.SysUsage().(*syscall.Rusage); ok {
		return int64(ru.Maxrss)
	}
	return 0
}
