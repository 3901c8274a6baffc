package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/driftwatch/pkg/drift"
	"github.com/openfroyo/driftwatch/pkg/notify"
	"github.com/openfroyo/driftwatch/pkg/telemetry"
	"github.com/openfroyo/driftwatch/pkg/transports/ssh"
)

// Config is the complete driftwatch configuration.
type Config struct {
	// StorePath is the SQLite database file. ":memory:" keeps state in memory.
	StorePath string `yaml:"store_path" validate:"required"`

	// PacksDir holds one YAML file per pack.
	PacksDir string `yaml:"packs_dir" validate:"required"`

	// ExtraActionsFile adds actions to the built-in command catalog.
	ExtraActionsFile string `yaml:"extra_actions_file"`

	// PoliciesDir holds additional Rego admission policies.
	PoliciesDir string `yaml:"policies_dir"`

	// DashboardURL is the base of the links attached to drift alerts.
	DashboardURL string `yaml:"dashboard_url" validate:"omitempty,url"`

	SSH       ssh.Config       `yaml:"ssh"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Drift     drift.Config     `yaml:"drift"`
	Notify    NotifyConfig     `yaml:"notify"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// ReconcileConfig tunes apply and remove runs.
type ReconcileConfig struct {
	// CommandTimeout bounds one remote command. Zero uses the SSH default.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=0"`
}

// NotifyConfig selects notification sinks.
type NotifyConfig struct {
	Dispatcher notify.DispatcherConfig `yaml:"dispatcher"`

	// Log writes every event to the structured log.
	Log bool `yaml:"log"`

	// Webhook posts events to a Slack-style incoming webhook when its URL is set.
	Webhook notify.WebhookConfig `yaml:"webhook"`

	// MinSeverity drops unresolved events below this severity.
	MinSeverity string `yaml:"min_severity" validate:"omitempty,oneof=info warning error"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".driftwatch")

	return &Config{
		StorePath: filepath.Join(base, "driftwatch.db"),
		PacksDir:  filepath.Join(base, "packs"),
		SSH:       *ssh.DefaultConfig(os.Getenv("USER")),
		Drift:     drift.DefaultConfig(),
		Notify: NotifyConfig{
			Dispatcher:  notify.DefaultDispatcherConfig(),
			Log:         true,
			MinSeverity: notify.SeverityInfo,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

var validate = validator.New()

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct constraints of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	c.StorePath = expandHome(c.StorePath)
	c.PacksDir = expandHome(c.PacksDir)
	c.ExtraActionsFile = expandHome(c.ExtraActionsFile)
	c.PoliciesDir = expandHome(c.PoliciesDir)
	c.SSH.PrivateKeyPath = expandHome(c.SSH.PrivateKeyPath)
	c.SSH.KnownHostsPath = expandHome(c.SSH.KnownHostsPath)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
