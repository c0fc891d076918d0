package sandbox

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// treeUsage is a point-in-time sample of a process and all its descendants.
type treeUsage struct {
	rss  int64
	cpu  time.Duration
	pids []int32
}

// maxTreeSize caps the walk so a fork bomb cannot make sampling itself
// unbounded.
const maxTreeSize = 512

// sampleTree walks the process tree rooted at pid. Processes that exit
// mid-walk are skipped.
func sampleTree(ctx context.Context, pid int) treeUsage {
	var usage treeUsage

	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return usage
	}

	queue := []*process.Process{root}
	seen := map[int32]bool{root.Pid: true}
	for len(queue) > 0 && len(usage.pids) < maxTreeSize {
		p := queue[0]
		queue = queue[1:]
		usage.pids = append(usage.pids, p.Pid)

		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			usage.rss += int64(mem.RSS)
		}
		if times, err := p.TimesWithContext(ctx); err == nil {
			usage.cpu += time.Duration((times.User + times.System) * float64(time.Second))
		}

		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, child := range children {
			if !seen[child.Pid] {
				seen[child.Pid] = true
				queue = append(queue, child)
			}
		}
	}

	return usage
}

// descendants returns every process below pid, excluding pid itself.
func descendants(ctx context.Context, pid int) []int32 {
	pids := sampleTree(ctx, pid).pids
	if len(pids) == 0 {
		return nil
	}
	return pids[1:]
}

// children lists the direct children of pid.
func children(ctx context.Context, pid int) []int32 {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	kids, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	pids := make([]int32, 0, len(kids))
	for _, k := range kids {
		pids = append(pids, k.Pid)
	}
	return pids
}
