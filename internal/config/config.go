package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models evoline.yml.
type Config struct {
	Engine struct {
		ID               string `yaml:"id"`
		ApprovalRequired bool   `yaml:"approval_required"`
	} `yaml:"engine"`
	Observe struct {
		MetricsURL     string `yaml:"metrics_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"observe"`
	Orient struct {
		ErrorCountThreshold    int     `yaml:"error_count_threshold"`
		ConfusionThreshold     float64 `yaml:"confusion_threshold"`
		ConcernThreshold       float64 `yaml:"concern_threshold"`
		FatigueThreshold       float64 `yaml:"fatigue_threshold"`
		MessageVolumeThreshold int     `yaml:"message_volume_threshold"`
		UserCountThreshold     int     `yaml:"user_count_threshold"`
		RiskMatrixPath         string  `yaml:"risk_matrix_path"`
	} `yaml:"orient"`
	Decide struct {
		MaxSelected       int     `yaml:"max_selected"`
		RiskBudget        float64 `yaml:"risk_budget"`
		CategoryQuota     int     `yaml:"category_quota"`
		MinScore          float64 `yaml:"min_score"`
		CalibrationWindow int     `yaml:"calibration_window"`
	} `yaml:"decide"`
	Act struct {
		Remote struct {
			Provider       string `yaml:"provider"`
			Owner          string `yaml:"owner"`
			Repo           string `yaml:"repo"`
			BaseBranch     string `yaml:"base_branch"`
			TokenEnv       string `yaml:"token_env"`
			APIURL         string `yaml:"api_url"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"remote"`
		BranchPrefix      string   `yaml:"branch_prefix"`
		ProtectedBranches []string `yaml:"protected_branches"`
		ChangeDir         string   `yaml:"change_dir"`
	} `yaml:"act"`
	Schedule struct {
		DailyAt string `yaml:"daily_at"`
	} `yaml:"schedule"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with evo config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.ID == "" {
		return fmt.Errorf("config.engine.id is required")
	}
	if c.Observe.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.observe.timeout_seconds must be positive")
	}
	if c.Orient.ErrorCountThreshold < 0 {
		return fmt.Errorf("config.orient.error_count_threshold must not be negative")
	}
	for name, v := range map[string]float64{
		"confusion_threshold": c.Orient.ConfusionThreshold,
		"concern_threshold":   c.Orient.ConcernThreshold,
		"fatigue_threshold":   c.Orient.FatigueThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.orient.%s must be within 0..1", name)
		}
	}
	if c.Decide.MaxSelected <= 0 {
		return fmt.Errorf("config.decide.max_selected must be positive")
	}
	if c.Decide.RiskBudget < 0 {
		return fmt.Errorf("config.decide.risk_budget must not be negative")
	}
	if c.Decide.CategoryQuota <= 0 {
		return fmt.Errorf("config.decide.category_quota must be positive")
	}
	if c.Decide.CalibrationWindow < 0 {
		return fmt.Errorf("config.decide.calibration_window must not be negative")
	}
	if c.Act.Remote.Provider != "github" {
		return fmt.Errorf("config.act.remote.provider must be 'github'")
	}
	if c.Act.Remote.BaseBranch == "" {
		return fmt.Errorf("config.act.remote.base_branch is required")
	}
	if c.Act.BranchPrefix == "" {
		return fmt.Errorf("config.act.branch_prefix is required")
	}
	for _, p := range c.Act.ProtectedBranches {
		if p == c.Act.BranchPrefix {
			return fmt.Errorf("branch prefix %s collides with a protected branch", p)
		}
	}
	if c.Schedule.DailyAt != "" {
		if _, err := time.Parse("15:04", c.Schedule.DailyAt); err != nil {
			return fmt.Errorf("config.schedule.daily_at must be HH:MM: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "evoline.yml")
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an engine id.
func Default(engineID string) *Config {
	var cfg Config
	cfg.Engine.ID = engineID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, engineID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  id: %s
  approval_required: false

observe:
  metrics_url: http://127.0.0.1:8600/observe
  timeout_seconds: 10

orient:
  error_count_threshold: 10
  confusion_threshold: 0.5
  concern_threshold: 0.6
  fatigue_threshold: 0.7
  message_volume_threshold: 100
  user_count_threshold: 5
  risk_matrix_path: ""

decide:
  max_selected: 3
  risk_budget: 6
  category_quota: 1
  min_score: 4.0
  calibration_window: 20

act:
  remote:
    provider: github
    owner: ""
    repo: ""
    base_branch: main
    token_env: EVOLINE_GITHUB_TOKEN
    api_url: https://api.github.com
    timeout_seconds: 30
  branch_prefix: evolution
  protected_branches: [main, master]
  change_dir: evolution

schedule:
  daily_at: "03:00"
`
