package config

import "time"

// Config is the root configuration for vigil.
type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Monitor    MonitorConfig    `json:"monitor"`
	Liveness   LivenessConfig   `json:"liveness"`
	Terminal   TerminalConfig   `json:"terminal"`
	Upgrade    UpgradeConfig    `json:"upgrade"`
	Events     EventsConfig     `json:"events"`
}

// AgentConfig describes the supervised agent process.
type AgentConfig struct {
	Binary           string   `json:"binary"`            // agent executable (default: claude)
	Args             []string `json:"args"`              // extra argv, e.g. a bypass-permissions flag
	Session          string   `json:"session"`           // terminal session name (default: vigil-agent)
	WorkDir          string   `json:"work_dir"`          // session working directory (default: $VIGIL_PATH)
	ConversationGlob string   `json:"conversation_glob"` // doublestar pattern for the agent's conversation logs
}

// DispatcherConfig tunes the queue consumer loop.
type DispatcherConfig struct {
	PollInterval      Duration `json:"poll_interval"`       // base poll interval
	PollIntervalMax   Duration `json:"poll_interval_max"`   // adaptive idle ceiling
	MaxRetries        int      `json:"max_retries"`         // delivery retries before failed
	RetryBase         Duration `json:"retry_base"`          // exponential backoff base
	CleanupInterval   Duration `json:"cleanup_interval"`    // control-queue cleanup cadence
	Retention         Duration `json:"retention"`           // final-row retention before cleanup
	RequireIdleMin    Duration `json:"require_idle_min"`    // minimum idle span for require_idle items
	PostSendHold      Duration `json:"post_send_hold"`      // hold after submitting a require_idle item
	ExecutionMaxWait  Duration `json:"execution_max_wait"`  // max wait for the agent to go idle again
	StaleRunningReset Duration `json:"stale_running_reset"` // startup reset threshold for orphaned running rows
}

// MonitorConfig tunes the activity monitor.
type MonitorConfig struct {
	TickInterval         Duration   `json:"tick_interval"`
	IdleThreshold        Duration   `json:"idle_threshold"`  // busy/idle boundary on conversation mtime
	RestartDelay         Duration   `json:"restart_delay"`   // absence span before respawning the session
	Timezone             string     `json:"timezone"`        // IANA name for daily task hours (default: Local)
	DailyTasks           []TaskSpec `json:"daily_tasks"`
	ContextCheckInterval Duration   `json:"context_check_interval"`
	ContextThresholdPct  int        `json:"context_threshold_pct"`
	ContextFollowupDelay Duration   `json:"context_followup_delay"`
	HealthCheckInterval  Duration   `json:"health_check_interval"`
	RateLimitMaxAge      Duration   `json:"rate_limit_max_age"` // api-activity freshness window for the detector
}

// TaskSpec is one scheduled maintenance task. When Cron is set the task fires
// on cron-expression matches; otherwise it fires once per local day at Hour.
type TaskSpec struct {
	Name    string   `json:"name"`
	Hour    int      `json:"hour"`
	Cron    string   `json:"cron,omitempty"`
	Action  string   `json:"action"`            // "control" or "command"
	Content string   `json:"content,omitempty"` // control content (action=control)
	Command string   `json:"command,omitempty"` // shell words (action=command)
	Timeout Duration `json:"timeout,omitempty"`
}

// LivenessConfig tunes the heartbeat state machine.
type LivenessConfig struct {
	HeartbeatInterval  Duration `json:"heartbeat_interval"`
	AckDeadline        Duration `json:"ack_deadline"`
	MaxPendingAge      Duration `json:"max_pending_age"` // absolute ceiling on an in-flight heartbeat
	MaxRestartFailures int      `json:"max_restart_failures"`
	RateLimitedProbe   Duration `json:"rate_limited_probe_interval"`
	DownRetry          Duration `json:"down_retry_interval"`
}

// TerminalConfig tunes the terminal I/O adapter.
type TerminalConfig struct {
	Binary             string   `json:"binary"` // multiplexer executable (default: tmux)
	DeliveryDelayBase  Duration `json:"delivery_delay_base"`
	DeliveryDelayPerKB Duration `json:"delivery_delay_per_kb"`
	DeliveryDelayMax   Duration `json:"delivery_delay_max"`
	EnterVerifyRetries int      `json:"enter_verify_retries"`
	EnterVerifyWait    Duration `json:"enter_verify_wait"`
}

// UpgradeConfig tunes the component upgrader. Fetching and service control
// are external collaborators invoked as subprocesses.
type UpgradeConfig struct {
	ServiceManager   []string `json:"service_manager"`   // argv prefix, e.g. ["pm2"]
	CheckCommand     []string `json:"check_command"`     // prints the latest remote tag for a repo
	FetchCommand     []string `json:"fetch_command"`     // downloads+extracts a tag into a directory
	InstallCommand   []string `json:"install_command"`   // platform package installer; empty skips the step
	EvaluatorCommand []string `json:"evaluator_command"` // optional diff annotator, absence is non-fatal
	DownloadTimeout  Duration `json:"download_timeout"`
	HookTimeout      Duration `json:"hook_timeout"`
	VerifyTimeout    Duration `json:"verify_timeout"`
	KeepSnapshots    int      `json:"keep_snapshots"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
