// Package config loads Waypoint's YAML configuration: model settings, the
// run budgets, browser session defaults, navigation constraints, and the
// notification bus mode.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Budgets    BudgetConfig     `yaml:"budgets"`
	Browser    BrowserConfig    `yaml:"browser"`
	Navigation NavigationConfig `yaml:"navigation"`
	Bus        BusConfig        `yaml:"bus"`
	Webhook    WebhookConfig    `yaml:"webhook"`
}

// LLMConfig configures the language-model collaborator.
type LLMConfig struct {
	// APIKey falls back to the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL enables OpenAI-compatible endpoints.
	BaseURL string `yaml:"base_url"`

	// PlannerModel drives planning decisions, completion checks, and
	// summarization.
	PlannerModel string `yaml:"planner_model"`

	// UtilityModel serves cheaper calls: schema inference and webhook
	// code extraction.
	UtilityModel string `yaml:"utility_model"`

	// MaxPromptTokens bounds the planner prompt; task history beyond the
	// budget is truncated oldest-first.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

// BudgetConfig bounds a run's execution.
type BudgetConfig struct {
	// MaxIterations caps planning loop iterations per run.
	MaxIterations int `yaml:"max_iterations"`

	// StepBudget caps the total number of executed blocks per run.
	StepBudget int `yaml:"step_budget"`

	// CodeWaitTimeout bounds the OTP coordinator's wall-clock wait.
	CodeWaitTimeout time.Duration `yaml:"code_wait_timeout"`

	// CodePollInterval is the fixed interval between OTP source polls.
	CodePollInterval time.Duration `yaml:"code_poll_interval"`
}

// UnmarshalYAML accepts Go duration strings ("5m", "10s") for the timeout
// fields, which yaml.v3 does not decode into time.Duration on its own.
func (b *BudgetConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxIterations    int    `yaml:"max_iterations"`
		StepBudget       int    `yaml:"step_budget"`
		CodeWaitTimeout  string `yaml:"code_wait_timeout"`
		CodePollInterval string `yaml:"code_poll_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.MaxIterations != 0 {
		b.MaxIterations = raw.MaxIterations
	}
	if raw.StepBudget != 0 {
		b.StepBudget = raw.StepBudget
	}
	if raw.CodeWaitTimeout != "" {
		d, err := time.ParseDuration(raw.CodeWaitTimeout)
		if err != nil {
			return fmt.Errorf("invalid budgets.code_wait_timeout: %w", err)
		}
		b.CodeWaitTimeout = d
	}
	if raw.CodePollInterval != "" {
		d, err := time.ParseDuration(raw.CodePollInterval)
		if err != nil {
			return fmt.Errorf("invalid budgets.code_poll_interval: %w", err)
		}
		b.CodePollInterval = d
	}
	return nil
}

// BrowserConfig configures the session pool.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`

	// TimeoutMinutes is the default lifetime of a new session.
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// RenewThresholdMinutes is the minimum remaining time required for a
	// renewal to be accepted.
	RenewThresholdMinutes int `yaml:"renew_threshold_minutes"`

	// RenewIncrementMinutes is the fixed extension granted per renewal.
	RenewIncrementMinutes int `yaml:"renew_increment_minutes"`

	// ArtifactDir is the root of the durable artifact store.
	ArtifactDir string `yaml:"artifact_dir"`
}

// WebhookConfig configures outbound webhook signing and the organization's
// verification-code callback.
type WebhookConfig struct {
	// SigningKey signs outbound webhook requests (completion deliveries
	// and code callback polls).
	SigningKey string `yaml:"signing_key"`

	// CodeCallbackURL, when set, is the organization endpoint polled for
	// verification codes during a code wait.
	CodeCallbackURL string `yaml:"code_callback_url"`
}

// BusConfig selects the notification bus implementation.
type BusConfig struct {
	// Mode is "local" (in-process) or "socket" (distributed).
	Mode string `yaml:"mode"`

	// BrokerURL is the websocket broker address for socket mode.
	BrokerURL string `yaml:"broker_url"`
}

// Bus modes.
const (
	BusModeLocal  = "local"
	BusModeSocket = "socket"
)

// Default returns a configuration with production defaults applied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			PlannerModel:    "gpt-4o",
			UtilityModel:    "gpt-4o-mini",
			MaxPromptTokens: 100000,
		},
		Budgets: BudgetConfig{
			MaxIterations:    50,
			StepBudget:       25,
			CodeWaitTimeout:  5 * time.Minute,
			CodePollInterval: 10 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:              true,
			TimeoutMinutes:        60,
			RenewThresholdMinutes: 5,
			RenewIncrementMinutes: 15,
			ArtifactDir:           "artifacts",
		},
		Navigation: NavigationConfig{
			AllowedURLs: []string{"*"},
		},
		Bus: BusConfig{Mode: BusModeLocal},
	}
}

// Load reads and validates the YAML configuration at path, applying defaults
// for anything the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Budgets.MaxIterations <= 0 {
		return fmt.Errorf("budgets.max_iterations must be positive")
	}
	if c.Budgets.StepBudget <= 0 {
		return fmt.Errorf("budgets.step_budget must be positive")
	}
	if c.Budgets.CodePollInterval <= 0 {
		return fmt.Errorf("budgets.code_poll_interval must be positive")
	}
	if c.Bus.Mode != BusModeLocal && c.Bus.Mode != BusModeSocket {
		return fmt.Errorf("bus.mode must be %q or %q", BusModeLocal, BusModeSocket)
	}
	if c.Bus.Mode == BusModeSocket && c.Bus.BrokerURL == "" {
		return fmt.Errorf("bus.broker_url is required in socket mode")
	}
	if _, err := c.Navigation.Matcher(); err != nil {
		return err
	}
	return nil
}
