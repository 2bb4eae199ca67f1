package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scheduler.DailyCapacity != 50 || cfg.Decision.ClientCooldown != 48*time.Hour || cfg.Lifecycle.StallGrace != 72*time.Hour {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
decision:
  provider_cooldown: 96h
providers:
  aviva:
    sla_days: 10
webhooks:
  - url: http://hooks.example/chaser
    events: [case.state_changed]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Decision.ProviderCooldown != 96*time.Hour || cfg.Decision.ClientCooldown != 48*time.Hour {
		t.Fatalf("cooldowns = %v / %v", cfg.Decision.ProviderCooldown, cfg.Decision.ClientCooldown)
	}
	if cfg.SLADays("aviva") != 10 || cfg.SLADays("other") != cfg.Decision.DefaultSLADays {
		t.Fatalf("sla days lookup wrong")
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "case.state_changed" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"database.driver":   "database:\n  driver: mysql\n",
		"pgx":               "database:\n  driver: pgx\n",
		"max_attempts":      "dispatch:\n  max_attempts: 0\n",
		"backoff_cap":       "dispatch:\n  backoff_base: 2m\n  backoff_cap: 1m\n",
		"storage.bucket":    "storage:\n  type: s3\n",
		"webhooks[0].url":   "webhooks:\n  - events: [cycle.completed]\n",
		"negative sla":      "providers:\n  lg:\n    sla_days: -1\n",
		"verification":      "verification:\n  identity_floor: 120\n",
		"unanswered_before": "decision:\n  unanswered_before_rpa: 0\n",
		"case_timeout":      "cycle:\n  case_timeout: 20m\n",
		"commit_timeout":    "dispatch:\n  commit_timeout: 0s\n",
		"fact_find":         "fact_find:\n  required: [horoscope]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "chaser init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Cycle.Workers != 4 {
		t.Fatalf("load optional: %+v %v", cfg, err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestRetryBudgetCoversEveryAttempt(t *testing.T) {
	d := Dispatch{MaxAttempts: 3, BackoffBase: time.Second, BackoffCap: 3 * time.Second, AttemptTimeout: time.Minute, RPATimeout: 10 * time.Minute}
	if got := d.Backoff(3); got != 3*time.Second {
		t.Fatalf("backoff(3) = %s", got)
	}
	if got, want := d.RetryBudget(domain.ActionProviderRPA), 30*time.Minute+3*time.Second; got != want {
		t.Fatalf("rpa budget = %s want %s", got, want)
	}
	if got, want := d.RetryBudget(domain.ActionClientCommunication), 3*time.Minute+3*time.Second; got != want {
		t.Fatalf("client budget = %s want %s", got, want)
	}
	cfg := Default()
	if cfg.Cycle.CaseTimeout < cfg.Dispatch.RetryBudget(domain.ActionProviderRPA) {
		t.Fatalf("default case timeout %s shorter than retry budget", cfg.Cycle.CaseTimeout)
	}
}

func TestFactFindDefaultsAndOverride(t *testing.T) {
	if got := Default().FactFind.Required; len(got) != 7 || got[0] != "identity" {
		t.Fatalf("default fact find = %v", got)
	}
	cfg, err := FromYAML([]byte("fact_find:\n  required: [address]\n"))
	if err != nil || len(cfg.FactFind.Required) != 1 || cfg.FactFind.Required[0] != "address" {
		t.Fatalf("override: %+v %v", cfg.FactFind, err)
	}
}

func TestCooldownPerCategory(t *testing.T) {
	d := Default().Decision
	want := map[domain.ActionCategory]time.Duration{
		domain.ActionClientCommunication:   d.ClientCooldown,
		domain.ActionProviderCommunication: d.ProviderCooldown,
		domain.ActionProviderRPA:           d.RPACooldown,
		domain.ActionDocumentVerification:  0,
	}
	for cat, w := range want {
		if got := d.Cooldown(cat); got != w {
			t.Fatalf("cooldown(%s) = %s want %s", cat, got, w)
		}
	}
}
