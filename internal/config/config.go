// Package config loads the service configuration (viper: file, env and
// defaults) and the workspace seed file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"deplight/internal/deployment"
	"deplight/internal/model"
	"deplight/internal/security"
	"deplight/pkg/fileutil"
)

// FileName is the config file searched for when no path is given.
const FileName = "deplight.yaml"

// EnvPrefix prefixes environment overrides, e.g. DEPLIGHT_SERVER_PORT.
const EnvPrefix = "DEPLIGHT"

// Config holds the configuration for the service.
type Config struct {
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		StaticDir       string        `mapstructure:"static_dir"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Log struct {
		Path  string `mapstructure:"path"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Seed string `mapstructure:"seed"`
	Auth struct {
		Issuer    string     `mapstructure:"issuer"`
		ClientID  string     `mapstructure:"client_id"`
		DevTokens []DevToken `mapstructure:"dev_tokens"`
	} `mapstructure:"auth"`
	Pipeline struct {
		StepDuration     time.Duration      `mapstructure:"step_duration"`
		ProgressTicks    int                `mapstructure:"progress_ticks"`
		FailureRate      float64            `mapstructure:"failure_rate"`
		StepFailureRates map[string]float64 `mapstructure:"step_failure_rates"`
		WakeDelay        time.Duration      `mapstructure:"wake_delay"`
		CallTimeout      time.Duration      `mapstructure:"call_timeout"`
		ProgressNotices  bool               `mapstructure:"progress_notices"`
		CIPollInterval   time.Duration      `mapstructure:"ci_poll_interval"`
		CIWatchTimeout   time.Duration      `mapstructure:"ci_watch_timeout"`
	} `mapstructure:"pipeline"`
	Sweep struct {
		Interval  time.Duration `mapstructure:"interval"`
		Threshold time.Duration `mapstructure:"threshold"`
	} `mapstructure:"sweep"`
	Console struct {
		Delay time.Duration `mapstructure:"delay"`
	} `mapstructure:"console"`
	Traffic struct {
		Interval time.Duration `mapstructure:"interval"`
		HitRate  float64       `mapstructure:"hit_rate"`
	} `mapstructure:"traffic"`
	RateLimit struct {
		CommandsPerSecond float64 `mapstructure:"commands_per_second"`
		CommandBurst      int     `mapstructure:"command_burst"`
		RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	} `mapstructure:"ratelimit"`
	GitHub struct {
		Token             string        `mapstructure:"token"`
		Owner             string        `mapstructure:"owner"`
		Repo              string        `mapstructure:"repo"`
		Workflow          string        `mapstructure:"workflow"`
		Ref               string        `mapstructure:"ref"`
		Environment       string        `mapstructure:"environment"`
		BaseURL           string        `mapstructure:"base_url"`
		RunLookupDelay    time.Duration `mapstructure:"run_lookup_delay"`
		RunLookupAttempts int           `mapstructure:"run_lookup_attempts"`
		WatchRuns         bool          `mapstructure:"watch_runs"`
	} `mapstructure:"github"`
	Slack struct {
		Token   string `mapstructure:"token"`
		Channel string `mapstructure:"channel"`
		APIURL  string `mapstructure:"api_url"`
	} `mapstructure:"slack"`
	Insight struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"insight"`
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Path    string `mapstructure:"path"`
	} `mapstructure:"metrics"`
	Hooks []HookConfig `mapstructure:"hooks"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// DevToken maps a static bearer token to an identity. It is a list entry
// rather than a map key because viper lowercases keys.
type DevToken struct {
	Token    string `mapstructure:"token"`
	Identity string `mapstructure:"identity"`
}

// HookConfig binds a push webhook to one deployment.
type HookConfig struct {
	DeploymentID string `mapstructure:"deployment_id"`
	Secret       string `mapstructure:"secret"`
	Branch       string `mapstructure:"branch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.static_dir", "")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("db.path", "deplight.db")
	v.SetDefault("log.path", "deplight.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("seed", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("pipeline.step_duration", 2*time.Second)
	v.SetDefault("pipeline.progress_ticks", 4)
	v.SetDefault("pipeline.failure_rate", 0.0)
	v.SetDefault("pipeline.step_failure_rates", map[string]float64{})
	v.SetDefault("pipeline.wake_delay", time.Second)
	v.SetDefault("pipeline.call_timeout", 10*time.Second)
	v.SetDefault("pipeline.progress_notices", false)
	v.SetDefault("pipeline.ci_poll_interval", 5*time.Second)
	v.SetDefault("pipeline.ci_watch_timeout", 30*time.Minute)
	v.SetDefault("sweep.interval", time.Minute)
	v.SetDefault("sweep.threshold", 30*time.Minute)
	v.SetDefault("console.delay", time.Second)
	v.SetDefault("traffic.interval", time.Second)
	v.SetDefault("traffic.hit_rate", 0.3)
	v.SetDefault("ratelimit.commands_per_second", 5.0)
	v.SetDefault("ratelimit.command_burst", 10)
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("github.token", "")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.workflow", "deploy.yml")
	v.SetDefault("github.ref", "main")
	v.SetDefault("github.environment", "dev")
	v.SetDefault("github.base_url", "")
	v.SetDefault("github.run_lookup_delay", time.Second)
	v.SetDefault("github.run_lookup_attempts", 5)
	v.SetDefault("github.watch_runs", true)
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.channel", "")
	v.SetDefault("slack.api_url", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("insight.url", "")
	v.SetDefault("insight.token", "")
}

// Load reads the config file at path, or the first deplight.yaml found in
// the search directories when path is empty. A missing file is not an
// error when path is empty. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = fileutil.FindConfigOptional(FileName)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Auth.Issuer = strings.TrimRight(strings.TrimSpace(cfg.Auth.Issuer), "/")
	return &cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.DB.Path == "" {
		add("db.path is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if c.Auth.Issuer != "" && c.Auth.ClientID == "" {
		add("auth.client_id is required when auth.issuer is set")
	}
	for i, dt := range c.Auth.DevTokens {
		if dt.Token == "" || dt.Identity == "" {
			add("auth.dev_tokens[%d] needs a token and an identity", i)
		}
	}

	durations := map[string]time.Duration{
		"pipeline.step_duration":    c.Pipeline.StepDuration,
		"pipeline.wake_delay":       c.Pipeline.WakeDelay,
		"pipeline.call_timeout":     c.Pipeline.CallTimeout,
		"pipeline.ci_poll_interval": c.Pipeline.CIPollInterval,
		"pipeline.ci_watch_timeout": c.Pipeline.CIWatchTimeout,
		"sweep.interval":            c.Sweep.Interval,
		"sweep.threshold":           c.Sweep.Threshold,
		"traffic.interval":          c.Traffic.Interval,
	}
	for _, key := range sortedKeys(durations) {
		if durations[key] <= 0 {
			add("%s must be positive, got %s", key, durations[key])
		}
	}
	if c.Console.Delay < 0 {
		add("console.delay must not be negative")
	}
	if c.Pipeline.ProgressTicks < 1 {
		add("pipeline.progress_ticks must be at least 1, got %d", c.Pipeline.ProgressTicks)
	}

	if !validRate(c.Pipeline.FailureRate) {
		add("pipeline.failure_rate must be within [0, 1], got %v", c.Pipeline.FailureRate)
	}
	for _, kind := range sortedKeys(c.Pipeline.StepFailureRates) {
		if !isPipelineStep(model.StepKind(kind)) {
			add("pipeline.step_failure_rates: unknown step %q", kind)
		}
		if !validRate(c.Pipeline.StepFailureRates[kind]) {
			add("pipeline.step_failure_rates.%s must be within [0, 1]", kind)
		}
	}
	if !validRate(c.Traffic.HitRate) {
		add("traffic.hit_rate must be within [0, 1], got %v", c.Traffic.HitRate)
	}

	if c.RateLimit.CommandsPerSecond <= 0 {
		add("ratelimit.commands_per_second must be positive")
	}
	if c.RateLimit.CommandBurst < 1 {
		add("ratelimit.command_burst must be at least 1")
	}
	if c.RateLimit.RequestsPerMinute < 1 {
		add("ratelimit.requests_per_minute must be at least 1")
	}

	if c.GitHub.Token != "" && (c.GitHub.Owner == "" || c.GitHub.Repo == "") {
		add("github.owner and github.repo are required when github.token is set")
	}
	if c.GitHub.RunLookupDelay < 0 {
		add("github.run_lookup_delay must not be negative")
	}
	if c.GitHub.RunLookupAttempts < 1 {
		add("github.run_lookup_attempts must be at least 1, got %d", c.GitHub.RunLookupAttempts)
	}
	if (c.Slack.Token == "") != (c.Slack.Channel == "") {
		add("slack.token and slack.channel must be set together")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	seen := make(map[string]bool)
	for i, h := range c.Hooks {
		if err := security.ValidateID("hooks.deployment_id", h.DeploymentID); err != nil {
			add("hooks[%d]: %v", i, err)
		}
		if seen[h.DeploymentID] {
			add("hooks[%d]: duplicate deployment_id %q", i, h.DeploymentID)
		}
		seen[h.DeploymentID] = true
		if err := security.ValidateSecret(h.Secret); err != nil {
			add("hooks[%d] (%s): %v", i, h.DeploymentID, err)
		}
		if h.Branch != "" {
			if err := security.ValidateBranchName(h.Branch); err != nil {
				add("hooks[%d] (%s): %v", i, h.DeploymentID, err)
			}
		}
	}

	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// DevTokenMap returns the static tokens keyed by token.
func (c *Config) DevTokenMap() map[string]string {
	m := make(map[string]string, len(c.Auth.DevTokens))
	for _, dt := range c.Auth.DevTokens {
		m[dt.Token] = dt.Identity
	}
	return m
}

// Secrets returns the integration credentials that must never reach a
// deployment log.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.GitHub.Token, c.Slack.Token, c.Insight.Token} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DeploymentConfig converts the pipeline section for the engine.
func (c *Config) DeploymentConfig() deployment.Config {
	cfg := deployment.Config{
		StepDuration:    c.Pipeline.StepDuration,
		ProgressTicks:   c.Pipeline.ProgressTicks,
		FailureRate:     c.Pipeline.FailureRate,
		WakeDelay:       c.Pipeline.WakeDelay,
		CallTimeout:     c.Pipeline.CallTimeout,
		ProgressNotices: c.Pipeline.ProgressNotices,
		CIPollInterval:  c.Pipeline.CIPollInterval,
		CIWatchTimeout:  c.Pipeline.CIWatchTimeout,
	}
	if len(c.Pipeline.StepFailureRates) > 0 {
		cfg.StepFailureRates = make(map[model.StepKind]float64, len(c.Pipeline.StepFailureRates))
		for kind, rate := range c.Pipeline.StepFailureRates {
			cfg.StepFailureRates[model.StepKind(kind)] = rate
		}
	}
	return cfg
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", name)
	}
	return level, nil
}

func validRate(r float64) bool {
	return r >= 0 && r <= 1
}

func isPipelineStep(kind model.StepKind) bool {
	for _, spec := range deployment.DefaultPipeline(deployment.Config{}) {
		if spec.Kind == kind {
			return true
		}
	}
	return false
}
