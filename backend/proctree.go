package backend

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// KillProcessTree terminates pid and every process it spawned.
// Descendants are enumerated and killed leaves first; when enumeration is
// unavailable the platform group/tree kill is used instead. A process that
// has already exited is not an error.
func KillProcessTree(pid int) error {
	if pid <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := killDescendants(ctx, pid); err != nil {
		Logger.Debug("structured process kill unavailable, killing group", "pid", pid, "error", err)
		return killProcessGroup(pid)
	}

	// Children forked while the tree was being walked are not in it.
	if err := killProcessGroup(pid); err != nil {
		Logger.Debug("process group sweep failed", "pid", pid, "error", err)
	}
	return nil
}

func killDescendants(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}

	var tree []*process.Process
	if err := collectDescendants(ctx, root, &tree, 0); err != nil {
		return err
	}

	for i := len(tree) - 1; i >= 0; i-- {
		killQuietly(ctx, tree[i])
	}
	killQuietly(ctx, root)
	return nil
}

// collectDescendants appends every process below p, parents before their
// children.
func collectDescendants(ctx context.Context, p *process.Process, out *[]*process.Process, depth int) error {
	if depth > 32 {
		return nil
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) || errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	*out = append(*out, children...)
	for _, c := range children {
		if err := collectDescendants(ctx, c, out, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func killQuietly(ctx context.Context, p *process.Process) {
	if err := p.KillWithContext(ctx); err != nil {
		Logger.Debug("kill failed (process likely exited)", "pid", p.Pid, "error", err)
	}
}
