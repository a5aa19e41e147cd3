// Package config loads the grimoire process configuration from a YAML file
// and GRIMOIRE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/internal/logging"
	"github.com/petal-labs/grimoire/queue"
	"github.com/petal-labs/grimoire/runtime"
)

const (
	projectConfigName = "grimoire.yaml"
	homeConfigName    = "config.yaml"

	// EnvPrefix prefixes environment overrides, e.g.
	// GRIMOIRE_SCHEDULER_LOOP_DELAY=50ms.
	EnvPrefix = "GRIMOIRE_"
)

// Config is the full process configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Agent     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite" yaml:"sqlite"`
	HTTP      HTTPConfig      `mapstructure:"http" yaml:"http"`
	OTel      OTelConfig      `mapstructure:"otel" yaml:"otel"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// SchedulerConfig bounds each spell's run loop.
type SchedulerConfig struct {
	LoopDelay time.Duration `mapstructure:"loop_delay" yaml:"loop_delay"`
	// LimitInSeconds and LimitInSteps bound one tick. Negative disables the
	// bound.
	LimitInSeconds  float64       `mapstructure:"limit_in_seconds" yaml:"limit_in_seconds"`
	LimitInSteps    int           `mapstructure:"limit_in_steps" yaml:"limit_in_steps"`
	MaxQueuedEvents int           `mapstructure:"max_queued_events" yaml:"max_queued_events"`
	AwaitTimeout    time.Duration `mapstructure:"await_timeout" yaml:"await_timeout"`
}

// TelemetryConfig holds the relay debounce windows.
type TelemetryConfig struct {
	StartWindow time.Duration `mapstructure:"start_window" yaml:"start_window"`
	EndWindow   time.Duration `mapstructure:"end_window" yaml:"end_window"`
}

// AgentConfig identifies the agent and where its spells live.
type AgentConfig struct {
	ID              string            `mapstructure:"id" yaml:"id"`
	Name            string            `mapstructure:"name" yaml:"name"`
	ProjectID       string            `mapstructure:"project_id" yaml:"project_id"`
	RootSpellID     string            `mapstructure:"root_spell_id" yaml:"root_spell_id"`
	PingInterval    time.Duration     `mapstructure:"ping_interval" yaml:"ping_interval"`
	Secrets         map[string]string `mapstructure:"secrets" yaml:"secrets"`
	PublicVariables map[string]any    `mapstructure:"public_variables" yaml:"public_variables"`
	SpellsDir       string            `mapstructure:"spells_dir" yaml:"spells_dir"`
}

// RedisConfig enables the Redis queue, bus, liveness and state store when
// Addr is set.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	Password    string        `mapstructure:"password" yaml:"password"`
	DB          int           `mapstructure:"db" yaml:"db"`
	QueueKey    string        `mapstructure:"queue_key" yaml:"queue_key"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	LivenessTTL time.Duration `mapstructure:"liveness_ttl" yaml:"liveness_ttl"`
	StateTTL    time.Duration `mapstructure:"state_ttl" yaml:"state_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// SQLiteConfig enables the message archive and the SQLite state store when
// Path is set. Redis state wins when both are configured.
type SQLiteConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	RetentionAge   time.Duration `mapstructure:"retention_age" yaml:"retention_age"`
	RetentionCount int           `mapstructure:"retention_count" yaml:"retention_count"`
}

// HTTPConfig enables the HTTP API when Addr is set.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OTelConfig enables OTLP trace export when Endpoint is set.
type OTelConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			LoopDelay:       runtime.DefaultLoopDelay,
			LimitInSeconds:  runtime.DefaultTimeLimit.Seconds(),
			LimitInSteps:    runtime.DefaultStepLimit,
			MaxQueuedEvents: runtime.DefaultMaxQueuedEvents,
		},
		Telemetry: TelemetryConfig{
			StartWindow: runtime.DefaultStartWindow,
			EndWindow:   runtime.DefaultEndWindow,
		},
		Agent: AgentConfig{
			PingInterval: agent.DefaultPingInterval,
			SpellsDir:    "spells",
		},
		Redis: RedisConfig{
			QueueKey:    queue.DefaultRedisKey,
			Prefix:      "grimoire:",
			LivenessTTL: 10 * time.Second,
		},
		OTel: OTelConfig{ServiceName: "grimoire"},
		Log:  LogConfig{Level: "info", Format: logging.FormatText},
	}
}

// Load reads the YAML file at path (skipped when empty), then applies the
// process environment.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path) // #nosec G304 -- path from flag or discovery
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
	}
	cfg, err := Parse(data, os.Environ())
	if err != nil && path != "" {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, err
}

// Parse decodes YAML data over the defaults, then applies GRIMOIRE_*
// entries of environ. ${VAR} references in the file are expanded.
func Parse(data []byte, environ []string) (Config, error) {
	cfg := Default()

	if len(data) > 0 {
		var raw map[string]any
		if err := yaml.Unmarshal([]byte(os.Expand(string(data), lookupIn(environ))), &raw); err != nil {
			return Config{}, fmt.Errorf("parsing yaml: %w", err)
		}
		if err := decode(raw, &cfg, true); err != nil {
			return Config{}, err
		}
	}

	if overrides := envOverrides(environ); len(overrides) > 0 {
		if err := decode(overrides, &cfg, false); err != nil {
			return Config{}, fmt.Errorf("environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(input map[string]any, out *Config, strict bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// envOverrides turns GRIMOIRE_<SECTION>_<KEY>=value entries into a nested
// map. Entries without a key part are ignored.
func envOverrides(environ []string) map[string]any {
	out := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		m, _ := out[section].(map[string]any)
		if m == nil {
			m = make(map[string]any)
			out[section] = m
		}
		m[key] = value
	}
	return out
}

func lookupIn(environ []string) func(string) string {
	return func(name string) string {
		for _, kv := range environ {
			if k, v, ok := strings.Cut(kv, "="); ok && k == name {
				return v
			}
		}
		return ""
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatText, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Scheduler.LoopDelay < 0 {
		errs = append(errs, errors.New("scheduler.loop_delay: must not be negative"))
	}
	if c.Scheduler.MaxQueuedEvents < 0 {
		errs = append(errs, errors.New("scheduler.max_queued_events: must not be negative"))
	}
	if c.Scheduler.AwaitTimeout < 0 {
		errs = append(errs, errors.New("scheduler.await_timeout: must not be negative"))
	}
	if c.Telemetry.StartWindow < 0 || c.Telemetry.EndWindow < 0 {
		errs = append(errs, errors.New("telemetry: windows must not be negative"))
	}
	if c.Agent.PingInterval < 0 {
		errs = append(errs, errors.New("agent.ping_interval: must not be negative"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db: must not be negative"))
	}
	return errors.Join(errs...)
}

// Runtime returns the scheduler template configuration.
func (c Config) Runtime() runtime.Config {
	return runtime.Config{
		LoopDelay:       c.Scheduler.LoopDelay,
		TimeLimit:       time.Duration(c.Scheduler.LimitInSeconds * float64(time.Second)),
		StepLimit:       c.Scheduler.LimitInSteps,
		MaxQueuedEvents: c.Scheduler.MaxQueuedEvents,
		AwaitTimeout:    c.Scheduler.AwaitTimeout,
		StartWindow:     c.Telemetry.StartWindow,
		EndWindow:       c.Telemetry.EndWindow,
	}
}

// AgentConfig returns the agent configuration. Collaborators such as the
// bus, queue and stores are left for the caller to wire.
func (c Config) AgentConfig() agent.Config {
	return agent.Config{
		ID:              c.Agent.ID,
		Name:            c.Agent.Name,
		ProjectID:       c.Agent.ProjectID,
		RootSpellID:     c.Agent.RootSpellID,
		PingInterval:    c.Agent.PingInterval,
		Secrets:         c.Agent.Secrets,
		PublicVariables: c.Agent.PublicVariables,
		Scheduler:       c.Runtime(),
	}
}

// DiscoverPath resolves the config file with first-match semantics: the
// explicit path, ./grimoire.yaml, then ~/.grimoire/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	explicit := strings.TrimSpace(explicitPath)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, ".grimoire", homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}
