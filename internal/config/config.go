// Package config loads and validates sprintbot configuration.
//
// Precedence, lowest to highest: built-in defaults, config.toml in the
// service root, SPRINTBOT_* environment variables, command-line flags
// (bound by the CLI). A .env file in the service root or beside the
// executable is loaded first so tokens can live outside the shell profile.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sprintbot/sprintbot/internal/utils"
)

// Default interval and timeout values. All overridable via config.toml.
const (
	DefaultCheckInterval     = 300 * time.Second
	DefaultTrackerRefresh    = 1800 * time.Second
	DefaultReviewCheck       = 28800 * time.Second
	DefaultSkipBlockedAfter  = 30 * time.Minute
	DefaultAgentTimeout      = 1800 * time.Second
	DefaultReviewQueryLimit  = 120 * time.Second
	DefaultReviewMergeLimit  = 180 * time.Second
	DefaultTransitionTimeout = 60 * time.Second
	DefaultPingTimeout       = 5 * time.Second
	DefaultQueryDeadline     = 30 * time.Second
)

// PriorityWeights are the prioritizer's component weights.
type PriorityWeights struct {
	Priority float64
	Points   float64
	Age      float64
	Type     float64
}

// Config is the fully resolved daemon configuration.
type Config struct {
	Home string // service root, default ~/.sprintbot

	// Tracker
	TrackerName        string // registered tracker implementation, default "jira"
	TrackerProject     string // e.g. "AAP"
	TrackerComponent   string
	TrackerBaseURL     string
	TrackerToken       string // SPRINTBOT_TRACKER_TOKEN or JIRA_API_TOKEN
	TrackerUser        string // username for the assignee filter
	TrackerDisplayName string // full-name alternative for the assignee filter
	TrackerPointsField string // jira custom field holding story points

	// Scheduling
	WorkingHours           WorkingHours
	CheckInterval          time.Duration
	TrackerRefreshInterval time.Duration
	ReviewCheckInterval    time.Duration
	SkipBlockedAfter       time.Duration

	// Agent invocation
	AgentBin           string
	AgentArgs          []string
	AgentTimeout       time.Duration
	ReviewQueryTimeout time.Duration
	ReviewMergeTimeout time.Duration
	TransitionTimeout  time.Duration
	PingTimeout        time.Duration

	// Memory layer
	QueryDeadline  time.Duration
	InferenceURL   string // SPRINTBOT_INFERENCE_URL or OLLAMA_URL
	InferenceModel string
	EmbedModel     string
	AnthropicModel string

	// Workflow
	ActionableStatuses []string
	ReviewStatuses     []string
	Weights            PriorityWeights
	WorkPromptTmpl     string
	SpikePromptTmpl    string

	// Paths
	SocketPath       string
	CursorSocketPath string
}

// DefaultConfig returns the built-in defaults rooted at home.
func DefaultConfig(home string) *Config {
	return &Config{
		Home:                   home,
		TrackerName:            "jira",
		TrackerPointsField:     "customfield_10016",
		WorkingHours:           DefaultWorkingHours(),
		CheckInterval:          DefaultCheckInterval,
		TrackerRefreshInterval: DefaultTrackerRefresh,
		ReviewCheckInterval:    DefaultReviewCheck,
		SkipBlockedAfter:       DefaultSkipBlockedAfter,
		AgentBin:               "cursor-agent",
		AgentTimeout:           DefaultAgentTimeout,
		ReviewQueryTimeout:     DefaultReviewQueryLimit,
		ReviewMergeTimeout:     DefaultReviewMergeLimit,
		TransitionTimeout:      DefaultTransitionTimeout,
		PingTimeout:            DefaultPingTimeout,
		QueryDeadline:          DefaultQueryDeadline,
		InferenceModel:         "llama3.2",
		EmbedModel:             "nomic-embed-text",
		AnthropicModel:         "claude-3-5-haiku-latest",
		ActionableStatuses:     []string{"new", "refinement", "to do", "open", "backlog"},
		ReviewStatuses:         []string{"in review", "code review", "review"},
		Weights:                PriorityWeights{Priority: 0.4, Points: 0.3, Age: 0.2, Type: 0.1},
		WorkPromptTmpl:         defaultWorkPrompt,
		SpikePromptTmpl:        defaultSpikePrompt,
		SocketPath:             filepath.Join(home, "sbd.sock"),
		CursorSocketPath:       filepath.Join(home, "cursor.sock"),
	}
}

// Load resolves the configuration from defaults, config.toml, and the
// environment.
func Load() (*Config, error) {
	home := utils.ExpandHome(os.Getenv("SPRINTBOT_HOME"))
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		home = filepath.Join(userHome, ".sprintbot")
	}

	// Best-effort .env loading; absence is normal.
	_ = godotenv.Load(filepath.Join(home, ".env"))
	if exe, err := os.Executable(); err == nil {
		_ = godotenv.Load(filepath.Join(filepath.Dir(exe), ".env"))
	}

	v := viper.New()
	v.SetEnvPrefix("SPRINTBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filepath.Join(home, "config.toml"))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config.toml: %w", err)
	}

	cfg := DefaultConfig(home)
	applyViper(cfg, v)
	applyEnvPassthrough(cfg)
	return cfg, nil
}

func applyViper(cfg *Config, v *viper.Viper) {
	setString(v, "tracker.name", &cfg.TrackerName)
	setString(v, "tracker.project", &cfg.TrackerProject)
	setString(v, "tracker.component", &cfg.TrackerComponent)
	setString(v, "tracker.base_url", &cfg.TrackerBaseURL)
	setString(v, "tracker.user", &cfg.TrackerUser)
	setString(v, "tracker.display_name", &cfg.TrackerDisplayName)
	setString(v, "tracker.points_field", &cfg.TrackerPointsField)

	setInt(v, "working_hours.start_hour", &cfg.WorkingHours.StartHour)
	setInt(v, "working_hours.start_minute", &cfg.WorkingHours.StartMinute)
	setInt(v, "working_hours.end_hour", &cfg.WorkingHours.EndHour)
	setInt(v, "working_hours.end_minute", &cfg.WorkingHours.EndMinute)
	if v.IsSet("working_hours.weekdays_only") {
		cfg.WorkingHours.WeekdaysOnly = v.GetBool("working_hours.weekdays_only")
	}
	setString(v, "working_hours.timezone", &cfg.WorkingHours.Timezone)

	setSeconds(v, "intervals.check_seconds", &cfg.CheckInterval)
	setSeconds(v, "intervals.tracker_refresh_seconds", &cfg.TrackerRefreshInterval)
	setSeconds(v, "intervals.review_check_seconds", &cfg.ReviewCheckInterval)
	if v.IsSet("intervals.skip_blocked_after_minutes") {
		cfg.SkipBlockedAfter = time.Duration(v.GetInt("intervals.skip_blocked_after_minutes")) * time.Minute
	}

	setString(v, "agent.bin", &cfg.AgentBin)
	if v.IsSet("agent.args") {
		cfg.AgentArgs = v.GetStringSlice("agent.args")
	}
	setSeconds(v, "agent.timeout_seconds", &cfg.AgentTimeout)
	setSeconds(v, "agent.review_query_timeout_seconds", &cfg.ReviewQueryTimeout)
	setSeconds(v, "agent.review_merge_timeout_seconds", &cfg.ReviewMergeTimeout)
	setSeconds(v, "agent.transition_timeout_seconds", &cfg.TransitionTimeout)
	setSeconds(v, "agent.ping_timeout_seconds", &cfg.PingTimeout)

	setSeconds(v, "memory.query_deadline_seconds", &cfg.QueryDeadline)
	setString(v, "memory.inference_url", &cfg.InferenceURL)
	setString(v, "memory.inference_model", &cfg.InferenceModel)
	setString(v, "memory.embed_model", &cfg.EmbedModel)
	setString(v, "memory.anthropic_model", &cfg.AnthropicModel)

	if v.IsSet("statuses.actionable") {
		cfg.ActionableStatuses = v.GetStringSlice("statuses.actionable")
	}
	if v.IsSet("statuses.review") {
		cfg.ReviewStatuses = v.GetStringSlice("statuses.review")
	}

	if v.IsSet("weights.priority") {
		cfg.Weights.Priority = v.GetFloat64("weights.priority")
	}
	if v.IsSet("weights.points") {
		cfg.Weights.Points = v.GetFloat64("weights.points")
	}
	if v.IsSet("weights.age") {
		cfg.Weights.Age = v.GetFloat64("weights.age")
	}
	if v.IsSet("weights.type") {
		cfg.Weights.Type = v.GetFloat64("weights.type")
	}

	setString(v, "prompts.work_template", &cfg.WorkPromptTmpl)
	setString(v, "prompts.spike_template", &cfg.SpikePromptTmpl)

	setString(v, "socket", &cfg.SocketPath)
	setString(v, "cursor_socket", &cfg.CursorSocketPath)
}

// applyEnvPassthrough reads the well-known external variables that do not
// carry the SPRINTBOT prefix.
func applyEnvPassthrough(cfg *Config) {
	if tok := firstEnv("SPRINTBOT_TRACKER_TOKEN", "JIRA_API_TOKEN"); tok != "" {
		cfg.TrackerToken = tok
	}
	if url := firstEnv("SPRINTBOT_INFERENCE_URL", "OLLAMA_URL"); url != "" {
		cfg.InferenceURL = url
	}
	if url := os.Getenv("SPRINTBOT_TRACKER_URL"); url != "" {
		cfg.TrackerBaseURL = url
	}
	if dir := os.Getenv("SPRINTBOT_PLUGIN_DIR"); dir != "" {
		// Overrides the default sources.d under the service root.
		pluginDirOverride = utils.ExpandHome(dir)
	}
}

var pluginDirOverride string

// Validate checks structural validity. Returned errors are fatal at
// startup; the daemon exits nonzero.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("config: service root is empty")
	}
	if err := c.WorkingHours.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.CheckInterval <= 0 || c.TrackerRefreshInterval <= 0 || c.ReviewCheckInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	if c.QueryDeadline <= 0 {
		return fmt.Errorf("config: query deadline must be positive")
	}
	return nil
}

// ValidateDaemon checks the additional requirements for running the full
// daemon (as opposed to one-shot CLI queries).
func (c *Config) ValidateDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TrackerProject == "" {
		return fmt.Errorf("config: tracker.project is required (set SPRINTBOT_TRACKER_PROJECT or config.toml)")
	}
	if c.AgentBin == "" {
		return fmt.Errorf("config: agent.bin is required for background execution")
	}
	return nil
}

// Path helpers. All content lives under the service root.

func (c *Config) StateDir() string      { return filepath.Join(c.Home, "state") }
func (c *Config) StatePath() string     { return filepath.Join(c.StateDir(), "sprint_state_v2.json") }
func (c *Config) TracesDir() string     { return filepath.Join(c.StateDir(), "sprint_traces") }
func (c *Config) WorkDir() string       { return filepath.Join(c.StateDir(), "sprint_work") }
func (c *Config) ClassifierDir() string { return filepath.Join(c.Home, "classifiers") }
func (c *Config) TrainingPath() string {
	return filepath.Join(c.ClassifierDir(), "intent_training.jsonl")
}
func (c *Config) LogDir() string     { return filepath.Join(c.Home, "logs") }
func (c *Config) LockPath() string   { return filepath.Join(c.Home, "sbd.lock") }
func (c *Config) PIDPath() string    { return filepath.Join(c.Home, "sbd.pid") }
func (c *Config) ConfigPath() string { return filepath.Join(c.Home, "config.toml") }
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.StateDir(), "vectors.db")
}

// PluginDir is where source overlay descriptors live (sources.d).
func (c *Config) PluginDir() string {
	if pluginDirOverride != "" {
		return pluginDirOverride
	}
	return filepath.Join(c.Home, "sources.d")
}

// EnsureDirs creates the service directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.StateDir(), c.TracesDir(), c.WorkDir(), c.ClassifierDir(), c.LogDir(), c.PluginDir()} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setSeconds(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = time.Duration(v.GetInt(key)) * time.Second
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if val := os.Getenv(k); val != "" {
			return val
		}
	}
	return ""
}
