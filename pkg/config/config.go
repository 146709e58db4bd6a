package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/benchwork/benchwork/pkg/consensus"
	"github.com/benchwork/benchwork/pkg/core"
	"github.com/benchwork/benchwork/pkg/schedule"
	"github.com/benchwork/benchwork/pkg/security"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "benchwork.db"

	// EnvConfigPath names the file Load reads when no path is given.
	EnvConfigPath = "BENCHWORK_CONFIG"

	envListenAddr = "BENCHWORK_LISTEN_ADDR"
	envDBPath     = "BENCHWORK_DB_PATH"
	envLogLevel   = "BENCHWORK_LOG_LEVEL"
)

// ─── YAML schema ───────────────────────────────────────────────────────────

// Config is the full daemon configuration. Zero values mean "use the
// component's default"; Load fills the operational fields from defaults and
// environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	Pool      Pool             `yaml:"pool"`
	Budget    Budget           `yaml:"budget"`
	Pricing   core.CostProfile `yaml:"pricing"`
	Knowledge Knowledge        `yaml:"knowledge"`
	Coding    Coding           `yaml:"coding"`
	Judges    Judges           `yaml:"judges"`
	Snapshot  Snapshot         `yaml:"snapshot"`
}

// Pool sizes the worker slots and their claim/lock timing.
type Pool struct {
	// Slots maps a resource class name to its slot count.
	Slots             map[string]int      `yaml:"slots"`
	PollInterval      Duration            `yaml:"poll_interval"`
	LockTTL           Duration            `yaml:"lock_ttl"`
	HeartbeatInterval Duration            `yaml:"heartbeat_interval"`
	DrainTimeout      Duration            `yaml:"drain_timeout"`
	RetryBaseDelay    Duration            `yaml:"retry_base_delay"`
	RetryMaxDelay     Duration            `yaml:"retry_max_delay"`
	UnitTimeouts      map[string]Duration `yaml:"unit_timeouts"`
}

// Budget holds the run-wide spend thresholds in US dollars.
type Budget struct {
	SoftLimitUSD float64 `yaml:"soft_limit_usd"`
	HardLimitUSD float64 `yaml:"hard_limit_usd"`
}

// Knowledge tunes the knowledge-test executor. Command is the external
// model CLI invoked once per question; an empty command disables the
// executor.
type Knowledge struct {
	Command         []string `yaml:"command"`
	QuestionTimeout Duration `yaml:"question_timeout"`
	PassScore       float64  `yaml:"pass_score"`
}

// Coding tunes the coding-task executor. Command is the external coding
// agent invoked once per phase; an empty command disables the executor.
type Coding struct {
	Command          []string `yaml:"command"`
	PhaseTimeout     Duration `yaml:"phase_timeout"`
	TotalTimeout     Duration `yaml:"total_timeout"`
	PassScore        float64  `yaml:"pass_score"`
	RequireConsensus bool     `yaml:"require_consensus"`
}

// Judges tunes the consensus panel applied to coding artifacts. Commands
// maps a judge name to the external CLI that scores an artifact; no
// commands means no panel.
type Judges struct {
	Commands map[string][]string `yaml:"commands"`
	Method   string              `yaml:"method"`
	Timeout  Duration            `yaml:"timeout"`
	Weights  map[string]float64  `yaml:"weights"`
}

// Snapshot sets the metrics snapshot cadence. Cron wins when both are set.
type Snapshot struct {
	Every Duration `yaml:"every"`
	Cron  string   `yaml:"cron"`
}

// ─── loading ─────────────────────────────────────────────────────────────

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   "info",
	}
}

// Load reads configuration from the YAML file at path, then applies
// BENCHWORK_* environment overrides and validates the result. An empty path
// falls back to $BENCHWORK_CONFIG; if that is empty too, only defaults and
// environment overrides apply. Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("benchwork: read config: %w", err)
		}
		if err := unmarshalStrict(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("benchwork: parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func unmarshalStrict(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations no component would accept at runtime.
func (c *Config) Validate() error {
	for class := range c.Pool.Slots {
		if err := security.ValidateClass(core.ResourceClass(class)); err != nil {
			return fmt.Errorf("%w: %q", err, class)
		}
	}
	for kind := range c.Pool.UnitTimeouts {
		if err := security.ValidateKind(core.WorkKind(kind)); err != nil {
			return fmt.Errorf("%w: %q", err, kind)
		}
	}
	for name, d := range map[string]Duration{
		"pool.poll_interval":         c.Pool.PollInterval,
		"pool.lock_ttl":              c.Pool.LockTTL,
		"pool.heartbeat_interval":    c.Pool.HeartbeatInterval,
		"pool.drain_timeout":         c.Pool.DrainTimeout,
		"pool.retry_base_delay":      c.Pool.RetryBaseDelay,
		"pool.retry_max_delay":       c.Pool.RetryMaxDelay,
		"knowledge.question_timeout": c.Knowledge.QuestionTimeout,
		"coding.phase_timeout":       c.Coding.PhaseTimeout,
		"coding.total_timeout":       c.Coding.TotalTimeout,
		"judges.timeout":             c.Judges.Timeout,
		"snapshot.every":             c.Snapshot.Every,
	} {
		if d < 0 {
			return fmt.Errorf("benchwork: %s must not be negative", name)
		}
	}

	if c.Budget.SoftLimitUSD > 0 && c.Budget.HardLimitUSD > 0 &&
		c.Budget.SoftLimitUSD > c.Budget.HardLimitUSD {
		return fmt.Errorf("benchwork: budget soft limit %.2f exceeds hard limit %.2f",
			c.Budget.SoftLimitUSD, c.Budget.HardLimitUSD)
	}
	if err := validScore("knowledge.pass_score", c.Knowledge.PassScore); err != nil {
		return err
	}
	if err := validScore("coding.pass_score", c.Coding.PassScore); err != nil {
		return err
	}
	if err := validCommand("knowledge.command", c.Knowledge.Command); err != nil {
		return err
	}
	if err := validCommand("coding.command", c.Coding.Command); err != nil {
		return err
	}
	for name, cmd := range c.Judges.Commands {
		if strings.TrimSpace(name) == "" {
			return errors.New("benchwork: judges.commands has an unnamed judge")
		}
		if err := validCommand("judges.commands."+name, cmd); err != nil {
			return err
		}
	}
	if c.Coding.RequireConsensus && len(c.Judges.Commands) == 0 {
		return errors.New("benchwork: coding.require_consensus needs at least one judge command")
	}
	if c.Judges.Method != "" {
		if _, err := consensus.ParseMethod(c.Judges.Method); err != nil {
			return err
		}
	}
	if c.Snapshot.Cron != "" {
		if _, err := schedule.ParseCron(c.Snapshot.Cron); err != nil {
			return err
		}
	}
	return nil
}

func validScore(name string, s float64) error {
	if s < 0 || s > 1 {
		return fmt.Errorf("benchwork: %s must be between 0 and 1, got %g", name, s)
	}
	return nil
}

func validCommand(name string, cmd []string) error {
	if len(cmd) > 0 && strings.TrimSpace(cmd[0]) == "" {
		return fmt.Errorf("benchwork: %s has an empty executable", name)
	}
	return nil
}

// Cadence resolves the snapshot schedule, or nil when none is configured.
func (c *Config) Cadence() schedule.Schedule {
	if c.Snapshot.Cron != "" {
		if s, err := schedule.ParseCron(c.Snapshot.Cron); err == nil {
			return s
		}
	}
	if c.Snapshot.Every > 0 {
		return schedule.Every(c.Snapshot.Every.Std())
	}
	return nil
}

// ─── logging ─────────────────────────────────────────────────────────────

// Level parses the configured log level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
