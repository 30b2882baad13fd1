package node

import (
	"context"
	"fmt"

	gopsprocess "github.com/shirou/gopsutil/v3/process"

	"github.com/clondike-go/clondike/internal/mlog"
)

// ForkHook is invoked when a migrated process forks locally (spec.md
// §4.5): using gopsutil's cross-platform process table instead of a
// kernel fork-notifier, it confirms the child is actually live and logs a
// warning if the child's ppid is not parentPID. It creates no task for
// the child and records nothing in any manager's child table.
func (n *Manager) ForkHook(parentPID, childPID int) error {
	proc, err := gopsprocess.NewProcess(int32(childPID))
	if err != nil {
		return fmt.Errorf("node: fork hook: looking up child %d: %w", childPID, err)
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return fmt.Errorf("node: fork hook: child %d not running: %w", childPID, err)
	}

	ppid, err := proc.Ppid()
	if err != nil {
		mlog.Warn("node: fork hook: reading ppid of %d: %v", childPID, err)
	} else if int(ppid) != parentPID {
		mlog.Warn("node: fork hook: child %d reports ppid %d, expected %d", childPID, ppid, parentPID)
	}

	mlog.Debug("node: fork hook: child %d of parent %d confirmed live", childPID, parentPID)
	return nil
}

// LiveChildren lists every child task whose underlying process is still
// observable via the host process table, letting a reaper distinguish a
// genuinely dead attached process from one merely slow to signal exit.
func (n *Manager) LiveChildren(ctx context.Context, candidatePIDs []int) ([]int, error) {
	live := make([]int, 0, len(candidatePIDs))
	for _, pid := range candidatePIDs {
		proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		if running, err := proc.IsRunningWithContext(ctx); err == nil && running {
			live = append(live, pid)
		}
	}
	return live, nil
}
