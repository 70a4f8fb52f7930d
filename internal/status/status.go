// Package status reads and writes the supervisor's state files. Every
// file is a small JSON document replaced atomically (tmp + rename), so
// external readers always see a complete document and never hold locks.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Agent session states published by the activity monitor.
const (
	AgentOffline = "offline" // multiplexer session absent
	AgentStopped = "stopped" // session present, agent process gone
	AgentBusy    = "busy"    // agent producing output
	AgentIdle    = "idle"    // agent waiting for input
)

// AgentStatus is the monitor's published view of the agent session.
type AgentStatus struct {
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
	Session   string    `json:"session"`
}

// HeartbeatPhase distinguishes why a probe was sent.
type HeartbeatPhase string

const (
	PhasePrimary        HeartbeatPhase = "primary"
	PhaseRecovery       HeartbeatPhase = "recovery"
	PhaseDownCheck      HeartbeatPhase = "down-check"
	PhaseRateLimitCheck HeartbeatPhase = "rate-limit-check"
	PhaseStuck          HeartbeatPhase = "stuck"
)

// PendingHeartbeat records the single in-flight liveness probe. The file
// exists exactly while one probe awaits acknowledgement.
type PendingHeartbeat struct {
	ControlID int64          `json:"control_id"`
	Phase     HeartbeatPhase `json:"phase"`
	CreatedAt time.Time      `json:"created_at"`
}

// Health states of the liveness engine.
const (
	HealthOK          = "ok"
	HealthRecovering  = "recovering"
	HealthRateLimited = "rate_limited"
	HealthDown        = "down"
)

// HealthState is the liveness engine's persisted state machine.
type HealthState struct {
	State           string    `json:"state"`
	RestartFailures int       `json:"restart_failure_count"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	LastOKAt        time.Time `json:"last_ok_at,omitempty"`
	LastProbeAt     time.Time `json:"last_probe_at,omitempty"`
	LastRestartAt   time.Time `json:"last_restart_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TaskState is the dedup record of one scheduled task. Daily tasks stamp
// LastDate; cron tasks stamp LastMinute. Triggering compares stamps, never
// elapsed time, so restarts cannot double-fire a task.
type TaskState struct {
	LastDate   string    `json:"last_date,omitempty"`
	LastMinute string    `json:"last_minute,omitempty"`
	LastRunAt  time.Time `json:"last_run_at,omitempty"`
}

// APIActivity is written by agent-side hooks on every model API call and
// read by the rate-limit detector.
type APIActivity struct {
	LastRequestAt   time.Time `json:"last_request_at,omitempty"`
	LastRateLimitAt time.Time `json:"last_rate_limit_at,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// HookState records the most recent agent-side hook event (tool use,
// prompt submit), a sharper busy signal than file mtimes alone.
type HookState struct {
	LastEvent   string    `json:"last_event,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// ContextState tracks the periodic context-usage check and its follow-up.
// UsagePct is written from the agent side; the monitor only reads it.
type ContextState struct {
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
	UsagePct    int       `json:"usage_pct,omitempty"`
	FollowupAt  time.Time `json:"followup_due_at,omitempty"`
}

// HealthReportState tracks the periodic health-report control. Kept in its
// own file so it can be reset without touching any other check.
type HealthReportState struct {
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
}

// Files locates the supervisor state files under one directory
// (conventionally <root>/activity-monitor).
type Files struct {
	Dir string
}

func (f Files) agentStatusPath() string  { return filepath.Join(f.Dir, "claude-status.json") }
func (f Files) pendingPath() string      { return filepath.Join(f.Dir, "heartbeat-pending.json") }
func (f Files) healthPath() string       { return filepath.Join(f.Dir, "health-check-state.json") }
func (f Files) apiActivityPath() string  { return filepath.Join(f.Dir, "api-activity.json") }
func (f Files) hookStatePath() string    { return filepath.Join(f.Dir, "hook-state.json") }
func (f Files) contextStatePath() string { return filepath.Join(f.Dir, "context-monitor-state.json") }
func (f Files) healthReportPath() string { return filepath.Join(f.Dir, "health-report-state.json") }

func (f Files) taskStatePath(task string) string {
	return filepath.Join(f.Dir, "daily-"+task+"-state.json")
}

// ActivityLogPath is the JSONL event log kept alongside the state files.
func (f Files) ActivityLogPath() string { return filepath.Join(f.Dir, "activity.log") }

// MonitorHeartbeatPath and DispatcherHeartbeatPath are the supervisor
// process-liveness files.
func (f Files) MonitorHeartbeatPath() string {
	return filepath.Join(f.Dir, "monitor-heartbeat.json")
}

func (f Files) DispatcherHeartbeatPath() string {
	return filepath.Join(f.Dir, "dispatcher-heartbeat.json")
}

// PendingChannelsPath is the queue of channels awaiting outbound drain.
func (f Files) PendingChannelsPath() string {
	return filepath.Join(f.Dir, "pending-channels.jsonl")
}

func (f Files) AgentStatus() (*AgentStatus, error) {
	var st AgentStatus
	return loadJSON(f.agentStatusPath(), &st)
}

func (f Files) WriteAgentStatus(st *AgentStatus) error {
	return writeJSON(f.agentStatusPath(), st)
}

func (f Files) PendingHeartbeat() (*PendingHeartbeat, error) {
	var ph PendingHeartbeat
	return loadJSON(f.pendingPath(), &ph)
}

func (f Files) WritePendingHeartbeat(ph *PendingHeartbeat) error {
	return writeJSON(f.pendingPath(), ph)
}

// ClearPendingHeartbeat removes the in-flight marker. Missing file is fine.
func (f Files) ClearPendingHeartbeat() error {
	err := os.Remove(f.pendingPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pending heartbeat: %w", err)
	}
	return nil
}

func (f Files) Health() (*HealthState, error) {
	var hs HealthState
	return loadJSON(f.healthPath(), &hs)
}

func (f Files) WriteHealth(hs *HealthState) error {
	return writeJSON(f.healthPath(), hs)
}

func (f Files) TaskState(task string) (*TaskState, error) {
	var ts TaskState
	return loadJSON(f.taskStatePath(task), &ts)
}

func (f Files) WriteTaskState(task string, ts *TaskState) error {
	return writeJSON(f.taskStatePath(task), ts)
}

func (f Files) APIActivity() (*APIActivity, error) {
	var aa APIActivity
	return loadJSON(f.apiActivityPath(), &aa)
}

func (f Files) WriteAPIActivity(aa *APIActivity) error {
	return writeJSON(f.apiActivityPath(), aa)
}

func (f Files) HookState() (*HookState, error) {
	var hs HookState
	return loadJSON(f.hookStatePath(), &hs)
}

func (f Files) WriteHookState(hs *HookState) error {
	return writeJSON(f.hookStatePath(), hs)
}

func (f Files) ContextState() (*ContextState, error) {
	var cs ContextState
	return loadJSON(f.contextStatePath(), &cs)
}

func (f Files) WriteContextState(cs *ContextState) error {
	return writeJSON(f.contextStatePath(), cs)
}

func (f Files) HealthReport() (*HealthReportState, error) {
	var hr HealthReportState
	return loadJSON(f.healthReportPath(), &hr)
}

func (f Files) WriteHealthReport(hr *HealthReportState) error {
	return writeJSON(f.healthReportPath(), hr)
}

// loadJSON reads a state file into out. A missing file yields (nil, nil):
// absence is a normal state, not an error.
func loadJSON[T any](path string, out *T) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// writeJSON replaces path atomically so readers never observe a torn file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
