package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/okvist/vigil/internal/config"
	"github.com/okvist/vigil/internal/events"
	"github.com/okvist/vigil/internal/queue"
	"github.com/okvist/vigil/internal/status"
)

// task is one compiled maintenance task. Hour tasks fire once per local
// day; cron tasks fire once per matching minute. Both dedup on a persisted
// stamp, never on elapsed time, so a restart cannot double-fire.
type task struct {
	spec config.TaskSpec
	expr *cronExpr // nil for hour tasks
}

func compileTasks(specs []config.TaskSpec) ([]*task, error) {
	tasks := make([]*task, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("task without a name")
		}
		switch spec.Action {
		case "control":
			if spec.Content == "" {
				return nil, fmt.Errorf("task %s: control action needs content", spec.Name)
			}
		case "command":
			if spec.Command == "" {
				return nil, fmt.Errorf("task %s: command action needs a command", spec.Name)
			}
		default:
			return nil, fmt.Errorf("task %s: unknown action %q", spec.Name, spec.Action)
		}
		t := &task{spec: spec}
		if spec.Cron != "" {
			expr, err := parseCron(spec.Cron)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", spec.Name, err)
			}
			t.expr = expr
		} else if spec.Hour < 0 || spec.Hour > 23 {
			return nil, fmt.Errorf("task %s: hour %d out of range", spec.Name, spec.Hour)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// due reports whether the task should fire at the given local time, and
// the dedup stamp identifying this firing window.
func (t *task) due(local time.Time) (bool, string) {
	if t.expr != nil {
		minute := local.Truncate(time.Minute)
		return t.expr.matches(local), minute.Format("2006-01-02T15:04")
	}
	return local.Hour() == t.spec.Hour, local.Format("2006-01-02")
}

func (t *task) alreadyRan(st *status.TaskState, stamp string) bool {
	if st == nil {
		return false
	}
	if t.expr != nil {
		return st.LastMinute == stamp
	}
	return st.LastDate == stamp
}

func (m *Monitor) runTasks(ctx context.Context, now time.Time) {
	local := now.In(m.loc)
	for _, t := range m.tasks {
		due, stamp := t.due(local)
		if !due {
			continue
		}
		st, err := m.deps.Files.TaskState(t.spec.Name)
		if err != nil {
			slog.Warn("monitor: read task state", "task", t.spec.Name, "error", err)
			continue
		}
		if t.alreadyRan(st, stamp) {
			continue
		}
		if err := m.invokeTask(ctx, t); err != nil {
			// State is not stamped, so the task retries on the next tick.
			slog.Error("monitor: task failed", "task", t.spec.Name, "error", err)
			continue
		}
		ts := &status.TaskState{LastRunAt: now}
		if t.expr != nil {
			ts.LastMinute = stamp
		} else {
			ts.LastDate = stamp
		}
		if err := m.deps.Files.WriteTaskState(t.spec.Name, ts); err != nil {
			slog.Error("monitor: persist task state", "task", t.spec.Name, "error", err)
		}
		slog.Info("monitor: task triggered", "task", t.spec.Name, "action", t.spec.Action)
		m.publish(events.EventTaskTriggered, map[string]any{"task": t.spec.Name, "action": t.spec.Action})
	}
}

func (m *Monitor) invokeTask(ctx context.Context, t *task) error {
	switch t.spec.Action {
	case "control":
		_, err := m.deps.Queue.InsertControl(queue.ControlInsert{
			Content:  t.spec.Content,
			Priority: 1,
		})
		return err
	case "command":
		argv, err := shell.Fields(t.spec.Command, nil)
		if err != nil {
			return fmt.Errorf("parse command: %w", err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("empty command")
		}
		ctx, cancel := context.WithTimeout(ctx, t.spec.Timeout.Duration())
		defer cancel()
		return m.runCommand(ctx, argv)
	}
	return fmt.Errorf("unknown action %q", t.spec.Action)
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command timed out: %w", ctx.Err())
		}
		return fmt.Errorf("command: %w: %s", err, tail(out.String(), 512))
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// cronExpr wraps a parsed standard 5-field cron schedule.
type cronExpr struct {
	raw      string
	schedule cron.Schedule
}

func parseCron(expr string) (*cronExpr, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &cronExpr{raw: expr, schedule: schedule}, nil
}

// matches reports whether t falls within the same minute as a scheduled
// activation.
func (c *cronExpr) matches(t time.Time) bool {
	truncated := t.Truncate(time.Minute)
	next := c.schedule.Next(truncated.Add(-time.Minute))
	return next.Equal(truncated)
}
