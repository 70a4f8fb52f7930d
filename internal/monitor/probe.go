package monitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/shirou/gopsutil/v4/process"
)

// agentProcessRunning walks the process tree under the pane and reports
// whether the agent binary is among it. The pane process itself counts:
// a session started with the agent as its command has no shell in between.
func agentProcessRunning(ctx context.Context, panePID int, binary string) (bool, error) {
	root, err := process.NewProcessWithContext(ctx, int32(panePID))
	if err != nil {
		return false, err
	}
	name := filepath.Base(binary)
	pending := []*process.Process{root}
	for len(pending) > 0 {
		p := pending[0]
		pending = pending[1:]
		if matchesAgent(ctx, p, name) {
			return true, nil
		}
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			continue // leaf, or the process exited mid-walk
		}
		pending = append(pending, children...)
	}
	return false, nil
}

// matchesAgent checks the process name and the first two argv words, the
// latter catching interpreter-launched agents (node /path/to/claude).
func matchesAgent(ctx context.Context, p *process.Process, name string) bool {
	if n, err := p.NameWithContext(ctx); err == nil && n == name {
		return true
	}
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false
	}
	for _, a := range args[:min(2, len(args))] {
		if filepath.Base(a) == name {
			return true
		}
	}
	return false
}

// latestConversationActivity returns the newest mtime among the agent's
// conversation log files.
func latestConversationActivity(pattern string) (time.Time, bool) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil || len(matches) == 0 {
		return time.Time{}, false
	}
	var latest time.Time
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, !latest.IsZero()
}
