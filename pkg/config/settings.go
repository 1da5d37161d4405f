package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

// Settings is the tool's own configuration. Sources layer in a fixed order:
// built-in defaults, a .env file in the working directory, the settings
// file, then FLEETWRIGHT_ environment variables. Later sources win.
type Settings struct {
	// StateDir roots all local state: database, checkpoints, execution
	// records, output captures.
	StateDir string `yaml:"state_dir" validate:"required"`

	// ProjectRoot is the second rung of the document search path.
	ProjectRoot string `yaml:"project_root"`

	// WorkflowsRoot is the third rung of the document search path.
	WorkflowsRoot string `yaml:"workflows_root"`

	// FreshnessTTL is how long a cached resource counts as fresh.
	FreshnessTTL engine.Duration `yaml:"freshness_ttl"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// LogFormat is console or json.
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	// PolicyDir holds Rego policy files for the pre-flight gate.
	PolicyDir string `yaml:"policy_dir"`

	Monitor MonitorSettings `yaml:"monitor"`
	SSH     SSHSettings     `yaml:"ssh"`
	Cloud   CloudSettings   `yaml:"cloud"`
	Tracing TracingSettings `yaml:"tracing"`

	// Values are free-form keys that config-mapped operation parameters
	// resolve against.
	Values map[string]any `yaml:"values"`
}

// MonitorSettings tune the supervision loops.
type MonitorSettings struct {
	FastPollInterval      engine.Duration `yaml:"fast_poll_interval"`
	WaitPollInterval      engine.Duration `yaml:"wait_poll_interval"`
	HeartbeatPollInterval engine.Duration `yaml:"heartbeat_poll_interval"`
	StaleThreshold        engine.Duration `yaml:"stale_threshold"`
	TailLines             int             `yaml:"tail_lines"`
}

// SSHSettings configure the remote dispatcher.
type SSHSettings struct {
	User           string          `yaml:"user"`
	KeyPath        string          `yaml:"key_path"`
	KnownHostsPath string          `yaml:"known_hosts_path"`
	Port           int             `yaml:"port"`
	ConnectTimeout engine.Duration `yaml:"connect_timeout"`

	// WorkDir is where dispatch scripts, state files, and heartbeat
	// artifacts live on the target.
	WorkDir string `yaml:"work_dir"`
}

// TracingSettings configure the optional OpenTelemetry span exporter.
type TracingSettings struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is one of otlp, stdout, none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces to sample, 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	Insecure bool `yaml:"insecure"`
}

// CloudSettings configure the provider CLI the resource sync shells out to.
type CloudSettings struct {
	// Binary is the provider CLI executable.
	Binary string `yaml:"binary"`

	// Scope is the default query scope (project, subscription, region).
	Scope string `yaml:"scope"`

	// Timeout bounds one CLI invocation.
	Timeout engine.Duration `yaml:"timeout"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		StateDir:     defaultStateDir(),
		FreshnessTTL: engine.Duration{Duration: time.Hour},
		LogLevel:     "info",
		LogFormat:    "console",
		Monitor: MonitorSettings{
			FastPollInterval:      engine.Duration{Duration: 2 * time.Second},
			WaitPollInterval:      engine.Duration{Duration: 15 * time.Second},
			HeartbeatPollInterval: engine.Duration{Duration: 30 * time.Second},
			StaleThreshold:        engine.Duration{Duration: 2 * time.Minute},
			TailLines:             50,
		},
		SSH: SSHSettings{
			Port:           22,
			ConnectTimeout: engine.Duration{Duration: 10 * time.Second},
			WorkDir:        "/var/tmp/fleetwright",
		},
		Cloud: CloudSettings{
			Timeout: engine.Duration{Duration: 2 * time.Minute},
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Values: map[string]any{},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetwright"
	}
	return filepath.Join(home, ".fleetwright")
}

// LoadSettings builds the effective settings. The settings file is optional
// unless a path is given explicitly.
func LoadSettings(path string) (*Settings, error) {
	// A .env in the working directory feeds the environment layer. Its
	// absence is not an error.
	_ = godotenv.Load()

	s := DefaultSettings()

	explicit := path != ""
	if path == "" {
		path = filepath.Join(defaultStateDir(), "settings.yaml")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	s.applyEnv()

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// applyEnv overlays FLEETWRIGHT_ environment variables.
func (s *Settings) applyEnv() {
	envString(&s.StateDir, "FLEETWRIGHT_STATE_DIR")
	envString(&s.ProjectRoot, "FLEETWRIGHT_PROJECT_ROOT")
	envString(&s.WorkflowsRoot, "FLEETWRIGHT_WORKFLOWS_ROOT")
	envString(&s.LogLevel, "FLEETWRIGHT_LOG_LEVEL")
	envString(&s.LogFormat, "FLEETWRIGHT_LOG_FORMAT")
	envString(&s.MetricsAddr, "FLEETWRIGHT_METRICS_ADDR")
	envString(&s.PolicyDir, "FLEETWRIGHT_POLICY_DIR")
	envDuration(&s.FreshnessTTL, "FLEETWRIGHT_FRESHNESS_TTL")
	envString(&s.SSH.User, "FLEETWRIGHT_SSH_USER")
	envString(&s.SSH.KeyPath, "FLEETWRIGHT_SSH_KEY_PATH")
	envString(&s.Cloud.Binary, "FLEETWRIGHT_CLOUD_BINARY")
	envString(&s.Cloud.Scope, "FLEETWRIGHT_CLOUD_SCOPE")
	envString(&s.Tracing.Exporter, "FLEETWRIGHT_TRACING_EXPORTER")
	envString(&s.Tracing.Endpoint, "FLEETWRIGHT_TRACING_ENDPOINT")
	if v := os.Getenv("FLEETWRIGHT_TRACING_ENABLED"); v != "" {
		s.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FLEETWRIGHT_SSH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.SSH.Port = port
		}
	}
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(dst *engine.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// DatabasePath is the SQLite file under the state directory.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.StateDir, "fleetwright.db")
}

// CheckpointDir holds one JSON checkpoint per operation.
func (s *Settings) CheckpointDir() string {
	return filepath.Join(s.StateDir, "checkpoints")
}

// ExecutionDir holds one JSON record per workflow run.
func (s *Settings) ExecutionDir() string {
	return filepath.Join(s.StateDir, "executions")
}

// LogDir holds the combined-output capture files.
func (s *Settings) LogDir() string {
	return filepath.Join(s.StateDir, "logs")
}

// Lookup implements the config-provider contract for parameter resolution:
// the values section first, then a FLEETWRIGHT_VALUE_ environment variable
// derived from the key.
func (s *Settings) Lookup(key string) (any, bool) {
	if v, ok := s.Values[key]; ok {
		return v, true
	}
	envKey := "FLEETWRIGHT_VALUE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	return nil, false
}
