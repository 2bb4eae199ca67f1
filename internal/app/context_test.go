package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/messaging"
)

func TestOpenWiresDryRunCollaborators(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	var buf bytes.Buffer
	log := logging.NewWithWriter(&buf, logging.LevelInfo, nil)
	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{"aviva": {Name: "Aviva", SLADays: 10, Contact: "loa@aviva.example"}}
	ctx := context.Background()

	a, err := Open(ctx, t.TempDir(), cfg, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, ok := a.Engine.Parser.(messaging.KeywordParser); !ok {
		t.Fatalf("replies should be parsed offline without a gemini key, got %T", a.Engine.Parser)
	}
	if len(a.Engine.FactFind) != len(cfg.FactFind.Required) {
		t.Fatalf("fact-find checklist not wired: %+v", a.Engine.FactFind)
	}

	c, err := a.Engine.CreateCase(ctx, engine.CaseCreateOptions{ClientID: "cl", ProviderID: "aviva", ClientName: "Ada", ClientContact: "ada@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	summary, err := a.Engine.RunChaseCycle(ctx, time.Now(), 0)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if summary.Dispatched != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	got, _ := a.Engine.GetCase(ctx, c.ID)
	if got.State != domain.StateClientSignaturePending {
		t.Fatalf("state = %s", got.State)
	}
	if !strings.Contains(buf.String(), "dry run") || !strings.Contains(buf.String(), "ada@example.com") {
		t.Fatalf("expected dry-run delivery in log: %s", buf.String())
	}
}

func TestProviderContacts(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.Provider{"lg": {Contact: "+44123", Channel: "sms"}}
	lookup := providerContacts(cfg)
	if p := lookup("lg"); p.Name != "lg" || p.Channel != domain.ChannelSMS || p.Recipient != "+44123" {
		t.Fatalf("unexpected contact %+v", p)
	}
	if p := lookup("unknown"); p.Name != "unknown" || p.Recipient != "" {
		t.Fatalf("unexpected contact %+v", p)
	}
}

func TestNewLoggerInWorkspace(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	log, err := NewLogger(ws, cfg)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	log.Info("hello")
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
