package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("eng-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.ID != "eng-1" {
		t.Fatalf("engine id = %s", cfg.Engine.ID)
	}
	if cfg.Decide.MaxSelected != 3 || cfg.Decide.RiskBudget != 6 || cfg.Decide.CategoryQuota != 1 {
		t.Fatalf("decide defaults = %+v", cfg.Decide)
	}
	if cfg.Decide.MinScore != 4.0 || cfg.Decide.CalibrationWindow != 20 {
		t.Fatalf("decide defaults = %+v", cfg.Decide)
	}
	if cfg.Orient.ErrorCountThreshold != 10 || cfg.Orient.FatigueThreshold != 0.7 {
		t.Fatalf("orient defaults = %+v", cfg.Orient)
	}
	if cfg.Act.BranchPrefix != "evolution" || cfg.Act.Remote.BaseBranch != "main" {
		t.Fatalf("act defaults = %+v", cfg.Act)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing engine id", func(c *Config) { c.Engine.ID = "" }},
		{"zero observe timeout", func(c *Config) { c.Observe.TimeoutSeconds = 0 }},
		{"confusion above one", func(c *Config) { c.Orient.ConfusionThreshold = 1.5 }},
		{"zero max selected", func(c *Config) { c.Decide.MaxSelected = 0 }},
		{"negative risk budget", func(c *Config) { c.Decide.RiskBudget = -1 }},
		{"unknown provider", func(c *Config) { c.Act.Remote.Provider = "gitlab" }},
		{"empty base branch", func(c *Config) { c.Act.Remote.BaseBranch = "" }},
		{"empty branch prefix", func(c *Config) { c.Act.BranchPrefix = "" }},
		{"protected prefix", func(c *Config) { c.Act.ProtectedBranches = []string{c.Act.BranchPrefix} }},
		{"bad schedule", func(c *Config) { c.Schedule.DailyAt = "25:99" }},
		{"webhook without url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("eng-1")
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	yml := `engine:
  id: bot-1
  approval_required: true
observe:
  metrics_url: http://localhost:9000/observe
  timeout_seconds: 5
orient:
  error_count_threshold: 20
  confusion_threshold: 0.4
  concern_threshold: 0.5
  fatigue_threshold: 0.6
  message_volume_threshold: 50
  user_count_threshold: 3
decide:
  max_selected: 2
  risk_budget: 4
  category_quota: 1
  min_score: 5.0
  calibration_window: 10
act:
  remote:
    provider: github
    owner: acme
    repo: bot
    base_branch: main
    token_env: EVOLINE_GITHUB_TOKEN
    timeout_seconds: 15
  branch_prefix: evolution
  protected_branches: [main]
  change_dir: evolution
`
	cfg, err := FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.ID != "bot-1" || !cfg.Engine.ApprovalRequired {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Decide.MaxSelected != 2 || cfg.Orient.ErrorCountThreshold != 20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Act.Remote.Owner != "acme" {
		t.Fatalf("remote = %+v", cfg.Act.Remote)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("got %v, %v; want nil, nil", cfg, err)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`engine:
  id: eng-1
observe:
  timeout_seconds: 10
decide:
  max_selected: 3
  risk_budget: 6
  category_quota: 1
act:
  remote:
    provider: github
    base_branch: main
  branch_prefix: evolution
`)
	if err := os.WriteFile(filepath.Join(dir, "evoline.yml"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Engine.ID != "eng-1" {
		t.Fatalf("engine id = %s", got.Engine.ID)
	}
}
