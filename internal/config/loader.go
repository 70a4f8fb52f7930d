package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }}
// templates, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	standard, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standard, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with every field at its default value,
// for processes running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Binary == "" {
		cfg.Agent.Binary = "claude"
	}
	if cfg.Agent.Session == "" {
		cfg.Agent.Session = "vigil-agent"
	}
	if cfg.Agent.WorkDir == "" {
		cfg.Agent.WorkDir = VigilPath()
	}
	if cfg.Agent.ConversationGlob == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Agent.ConversationGlob = filepath.Join(home, ".claude", "projects", "**", "*.jsonl")
	}

	d := &cfg.Dispatcher
	setDuration(&d.PollInterval, time.Second)
	setDuration(&d.PollIntervalMax, 10*time.Second)
	setDuration(&d.RetryBase, 2*time.Second)
	setDuration(&d.CleanupInterval, time.Hour)
	setDuration(&d.Retention, 7*24*time.Hour)
	setDuration(&d.RequireIdleMin, 10*time.Second)
	setDuration(&d.PostSendHold, 5*time.Second)
	setDuration(&d.ExecutionMaxWait, 10*time.Minute)
	setDuration(&d.StaleRunningReset, time.Minute)
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}

	m := &cfg.Monitor
	setDuration(&m.TickInterval, time.Second)
	setDuration(&m.IdleThreshold, 3*time.Second)
	setDuration(&m.RestartDelay, 30*time.Second)
	setDuration(&m.ContextCheckInterval, time.Hour)
	setDuration(&m.ContextFollowupDelay, 30*time.Second)
	setDuration(&m.HealthCheckInterval, 6*time.Hour)
	setDuration(&m.RateLimitMaxAge, 5*time.Minute)
	if m.Timezone == "" {
		m.Timezone = "Local"
	}
	if m.ContextThresholdPct == 0 {
		m.ContextThresholdPct = 70
	}
	for i := range m.DailyTasks {
		setDuration(&m.DailyTasks[i].Timeout, 10*time.Minute)
	}

	l := &cfg.Liveness
	setDuration(&l.HeartbeatInterval, 30*time.Minute)
	setDuration(&l.AckDeadline, 5*time.Minute)
	setDuration(&l.MaxPendingAge, 10*time.Minute)
	setDuration(&l.RateLimitedProbe, 5*time.Minute)
	setDuration(&l.DownRetry, 30*time.Minute)
	if l.MaxRestartFailures == 0 {
		l.MaxRestartFailures = 3
	}

	t := &cfg.Terminal
	if t.Binary == "" {
		t.Binary = "tmux"
	}
	setDuration(&t.DeliveryDelayBase, 500*time.Millisecond)
	setDuration(&t.DeliveryDelayPerKB, 200*time.Millisecond)
	setDuration(&t.DeliveryDelayMax, 3*time.Second)
	setDuration(&t.EnterVerifyWait, time.Second)
	if t.EnterVerifyRetries == 0 {
		t.EnterVerifyRetries = 3
	}

	u := &cfg.Upgrade
	if len(u.ServiceManager) == 0 {
		u.ServiceManager = []string{"pm2"}
	}
	setDuration(&u.DownloadTimeout, 10*time.Minute)
	setDuration(&u.HookTimeout, 5*time.Minute)
	setDuration(&u.VerifyTimeout, time.Minute)
	if u.KeepSnapshots == 0 {
		u.KeepSnapshots = 1
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}
