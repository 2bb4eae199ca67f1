package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/factfind"
)

// Config models chaser.yml.
type Config struct {
	Database     Database            `yaml:"database" json:"database"`
	Logging      Logging             `yaml:"logging" json:"logging"`
	Scheduler    Scheduler           `yaml:"scheduler" json:"scheduler"`
	Decision     Decision            `yaml:"decision" json:"decision"`
	Dispatch     Dispatch            `yaml:"dispatch" json:"dispatch"`
	Lifecycle    Lifecycle           `yaml:"lifecycle" json:"lifecycle"`
	Cycle        Cycle               `yaml:"cycle" json:"cycle"`
	Verification Verification        `yaml:"verification" json:"verification"`
	Providers    map[string]Provider `yaml:"providers" json:"providers"`
	Collab       Collaborators       `yaml:"collaborators" json:"collaborators"`
	Storage      Storage             `yaml:"storage" json:"storage"`
	Intake       Intake              `yaml:"intake" json:"intake"`
	FactFind     FactFind            `yaml:"fact_find" json:"fact_find"`
	Webhooks     []WebhookConfig     `yaml:"webhooks" json:"webhooks"`
}

type Database struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn,omitempty"`
}

type Logging struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// Scheduler weights feed the linear priority score.
type Scheduler struct {
	DailyCapacity int     `yaml:"daily_capacity" json:"daily_capacity"`
	Intercept     float64 `yaml:"intercept" json:"intercept"`
	Weights       Weights `yaml:"weights" json:"weights"`
}

type Weights struct {
	DaysInState     float64 `yaml:"days_in_state" json:"days_in_state"`
	DaysPastSLA     float64 `yaml:"days_past_sla" json:"days_past_sla"`
	ClientAge55Plus float64 `yaml:"client_age_55_plus" json:"client_age_55_plus"`
	DocumentQuality float64 `yaml:"document_quality" json:"document_quality"`
}

type Decision struct {
	ClientCooldown      time.Duration `yaml:"client_cooldown" json:"client_cooldown"`
	ProviderCooldown    time.Duration `yaml:"provider_cooldown" json:"provider_cooldown"`
	RPACooldown         time.Duration `yaml:"rpa_cooldown" json:"rpa_cooldown"`
	UnansweredBeforeRPA int           `yaml:"unanswered_before_rpa" json:"unanswered_before_rpa"`
	DefaultSLADays      int           `yaml:"default_sla_days" json:"default_sla_days"`
}

// Cooldown returns the window for a category; document checks have none.
func (d Decision) Cooldown(cat domain.ActionCategory) time.Duration {
	switch cat {
	case domain.ActionClientCommunication:
		return d.ClientCooldown
	case domain.ActionProviderCommunication:
		return d.ProviderCooldown
	case domain.ActionProviderRPA:
		return d.RPACooldown
	}
	return 0
}

type Dispatch struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	RPATimeout     time.Duration `yaml:"rpa_timeout" json:"rpa_timeout"`
	CommitTimeout  time.Duration `yaml:"commit_timeout" json:"commit_timeout"`
}

// Backoff returns the wait before retry n (1-based): base*2^(n-1), capped.
func (d Dispatch) Backoff(n int) time.Duration {
	wait := d.BackoffBase
	for i := 1; i < n; i++ {
		wait *= 2
		if d.BackoffCap > 0 && wait >= d.BackoffCap {
			return d.BackoffCap
		}
	}
	if d.BackoffCap > 0 && wait > d.BackoffCap {
		return d.BackoffCap
	}
	return wait
}

// RetryBudget is the longest a full run of attempts for one category can
// take: every attempt timing out plus the backoff between them.
func (d Dispatch) RetryBudget(cat domain.ActionCategory) time.Duration {
	timeout := d.AttemptTimeout
	if cat == domain.ActionProviderRPA && d.RPATimeout > timeout {
		timeout = d.RPATimeout
	}
	total := time.Duration(d.MaxAttempts) * timeout
	for n := 1; n < d.MaxAttempts; n++ {
		total += d.Backoff(n)
	}
	return total
}

type Lifecycle struct {
	StallGrace time.Duration `yaml:"stall_grace" json:"stall_grace"`
}

type Cycle struct {
	Workers     int           `yaml:"workers" json:"workers"`
	CaseTimeout time.Duration `yaml:"case_timeout" json:"case_timeout"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
}

type Verification struct {
	IdentityFloor float64 `yaml:"identity_floor" json:"identity_floor"`
	DefaultFloor  float64 `yaml:"default_floor" json:"default_floor"`
}

type Provider struct {
	Name    string `yaml:"name" json:"name"`
	SLADays int    `yaml:"sla_days" json:"sla_days"`
	Contact string `yaml:"contact" json:"contact"`
	Channel string `yaml:"channel" json:"channel"`
}

type Collaborators struct {
	OCRURL      string `yaml:"ocr_url" json:"ocr_url"`
	RPAURL      string `yaml:"rpa_url" json:"rpa_url"`
	Notify      Notify `yaml:"notify" json:"notify"`
	Gemini      Gemini `yaml:"gemini" json:"gemini"`
	AdvisorName string `yaml:"advisor_name" json:"advisor_name"`
}

type Notify struct {
	URL            string `yaml:"url" json:"url"`
	Secret         string `yaml:"secret" json:"-"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type Gemini struct {
	Model     string `yaml:"model" json:"model"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
}

type Storage struct {
	Type      string `yaml:"type" json:"type"`
	LocalPath string `yaml:"local_path" json:"local_path"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
}

type Intake struct {
	Inbox string `yaml:"inbox" json:"inbox"`
}

// FactFind lists the fact-find category keys every client must supply.
type FactFind struct {
	Required []string `yaml:"required" json:"required"`
}

// WebhookConfig forwards audit events to an HTTP endpoint. An empty
// Events list forwards every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// SLADays returns the SLA threshold for a provider, falling back to the default.
func (c *Config) SLADays(providerID string) int {
	if p, ok := c.Providers[providerID]; ok && p.SLADays > 0 {
		return p.SLADays
	}
	return c.Decision.DefaultSLADays
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or pgx, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "pgx" && c.Database.DSN == "" {
		return fmt.Errorf("config.database.dsn is required for pgx")
	}
	if c.Scheduler.DailyCapacity <= 0 {
		return fmt.Errorf("config.scheduler.daily_capacity must be positive")
	}
	if c.Decision.UnansweredBeforeRPA <= 0 {
		return fmt.Errorf("config.decision.unanswered_before_rpa must be positive")
	}
	if c.Decision.DefaultSLADays <= 0 {
		return fmt.Errorf("config.decision.default_sla_days must be positive")
	}
	for name, d := range map[string]time.Duration{
		"decision.client_cooldown":   c.Decision.ClientCooldown,
		"decision.provider_cooldown": c.Decision.ProviderCooldown,
		"decision.rpa_cooldown":      c.Decision.RPACooldown,
		"dispatch.backoff_base":      c.Dispatch.BackoffBase,
		"dispatch.backoff_cap":       c.Dispatch.BackoffCap,
		"lifecycle.stall_grace":      c.Lifecycle.StallGrace,
	} {
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config.dispatch.max_attempts must be positive")
	}
	if c.Dispatch.BackoffCap < c.Dispatch.BackoffBase {
		return fmt.Errorf("config.dispatch.backoff_cap must be >= backoff_base")
	}
	if c.Dispatch.AttemptTimeout <= 0 || c.Dispatch.RPATimeout <= 0 || c.Dispatch.CommitTimeout <= 0 {
		return fmt.Errorf("config.dispatch timeouts must be positive")
	}
	if c.Cycle.Workers <= 0 {
		return fmt.Errorf("config.cycle.workers must be positive")
	}
	if budget := c.Dispatch.RetryBudget(domain.ActionProviderRPA); c.Cycle.CaseTimeout > 0 && c.Cycle.CaseTimeout < budget {
		return fmt.Errorf("config.cycle.case_timeout %s is shorter than the rpa retry budget %s", c.Cycle.CaseTimeout, budget)
	}
	for i, key := range c.FactFind.Required {
		if _, ok := factfind.Lookup(key); !ok {
			return fmt.Errorf("config.fact_find.required[%d] is not a known category: %q", i, key)
		}
	}
	v := c.Verification
	if v.IdentityFloor < 0 || v.IdentityFloor > 100 || v.DefaultFloor < 0 || v.DefaultFloor > 100 {
		return fmt.Errorf("config.verification floors must be within [0,100]")
	}
	for id, p := range c.Providers {
		if id == "" {
			return fmt.Errorf("config.providers contains empty provider id")
		}
		if p.SLADays < 0 {
			return fmt.Errorf("provider %s has negative sla_days", id)
		}
	}
	switch c.Storage.Type {
	case "local":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config.storage.bucket is required for s3")
		}
	default:
		return fmt.Errorf("config.storage.type must be local or s3, got %q", c.Storage.Type)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chaser.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with chaser init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  driver: sqlite

logging:
  level: info
  file: chaser.log

scheduler:
  daily_capacity: 50
  intercept: 20
  weights:
    days_in_state: 2.0
    days_past_sla: 5.0
    client_age_55_plus: 10.0
    document_quality: -0.2

decision:
  client_cooldown: 48h
  provider_cooldown: 72h
  rpa_cooldown: 24h
  unanswered_before_rpa: 2
  default_sla_days: 15

dispatch:
  max_attempts: 3
  backoff_base: 2s
  backoff_cap: 1m
  attempt_timeout: 30s
  rpa_timeout: 10m
  commit_timeout: 30s

lifecycle:
  stall_grace: 72h

cycle:
  workers: 4
  case_timeout: 35m
  interval: 24h

verification:
  identity_floor: 90
  default_floor: 70

providers: {}

collaborators:
  ocr_url: ""
  rpa_url: ""
  advisor_name: "Your advisor"
  notify:
    url: ""
    timeout_seconds: 10
  gemini:
    model: gemini-1.5-flash
    api_key_env: GEMINI_API_KEY

storage:
  type: local
  local_path: documents

intake:
  inbox: inbox

fact_find:
  required:
    - identity
    - address
    - pension_statements
    - investment_valuations
    - protection_policies
    - payslips
    - p60s

webhooks: []
`
