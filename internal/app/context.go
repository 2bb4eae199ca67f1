package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/dispatch"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/factfind"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/messaging"
	"github.com/kgnguhan/agentic-chaser/internal/migrate"
	"github.com/kgnguhan/agentic-chaser/internal/notify"
	"github.com/kgnguhan/agentic-chaser/internal/ocr"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
	"github.com/kgnguhan/agentic-chaser/internal/rpa"
	"github.com/kgnguhan/agentic-chaser/internal/scoring"
	"github.com/kgnguhan/agentic-chaser/internal/storage"
)

// RPATokenEnv holds the bearer token for the provider automation service.
const RPATokenEnv = "CHASER_RPA_TOKEN"

// App is an opened workspace: the store, the engine and its collaborators.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Log       *logging.Logger

	closers []func() error
}

// NewLogger opens the workspace log file named in config, or stderr when
// no file is configured.
func NewLogger(workspace string, cfg *config.Config) (*logging.Logger, error) {
	if strings.TrimSpace(cfg.Logging.File) == "" {
		return logging.NewWithWriter(os.Stderr, cfg.Logging.Level, nil), nil
	}
	path := cfg.Logging.File
	if !filepath.IsAbs(path) {
		dir, err := db.EnsureWorkspace(workspace)
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, path)
	}
	return logging.New(path, cfg.Logging.Level)
}

// Open connects to the case store, applies migrations and wires the
// engine with every collaborator the config enables.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *logging.Logger) (*App, error) {
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Dialect: dialect, Log: log}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn, dialect); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	lang, err := newLanguage(ctx, cfg.Collab.Gemini, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	if lang.Close != nil {
		a.closers = append([]func() error{lang.Close}, a.closers...)
	}
	r := repo.New(conn, dialect, time.Now)
	opts, closers, err := Handlers(ctx, workspace, cfg, r, lang, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(closers, a.closers...)
	a.Engine = engine.New(r, cfg, log, opts...)
	a.Engine.Parser = lang.Parser
	return a, nil
}

// Close releases collaborators and the store, newest first.
func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Handlers builds the dispatcher handlers from config. Provider automation
// and document verification are only registered when their services are
// configured; the closers release any clients that were opened. Client
// reminders check the fact-find list against documents in r.
func Handlers(ctx context.Context, workspace string, cfg *config.Config, r repo.Repo, lang Language, log *logging.Logger) ([]dispatch.Option, []func() error, error) {
	var closers []func() error
	checklist, err := factfind.FromKeys(cfg.FactFind.Required)
	if err != nil {
		return nil, nil, err
	}
	generator := lang.Generator
	notifier := notify.FromConfig(cfg.Collab.Notify, log)
	contacts := providerContacts(cfg)

	opts := []dispatch.Option{
		dispatch.WithHandler(domain.ActionClientCommunication, dispatch.ClientMessages{
			Generator:   generator,
			Notifier:    notifier,
			AdvisorName:     cfg.Collab.AdvisorName,
			Providers:       contacts,
			FactFind:        checklist,
			ClientDocuments: r.ListClientDocuments,
		}),
		dispatch.WithHandler(domain.ActionProviderCommunication, dispatch.ProviderMessages{
			Generator:   generator,
			Notifier:    notifier,
			AdvisorName: cfg.Collab.AdvisorName,
			Contacts:    contacts,
		}),
	}
	if url := strings.TrimSpace(cfg.Collab.RPAURL); url != "" {
		opts = append(opts, dispatch.WithHandler(domain.ActionProviderRPA, dispatch.ProviderRPA{
			Executor: rpa.NewClient(url, os.Getenv(RPATokenEnv)),
		}))
	} else {
		log.Warn("provider automation not configured; provider_rpa actions will fail")
	}
	if url := strings.TrimSpace(cfg.Collab.OCRURL); url != "" {
		placer, err := storage.FromConfig(ctx, cfg.Storage, workspace)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		opts = append(opts, dispatch.WithHandler(domain.ActionDocumentVerification, dispatch.DocumentVerification{
			OCR:      ocr.NewClient(url),
			Verifier: scoring.NewVerifier(cfg.Verification),
			Placer:   placer,
		}))
	} else {
		log.Warn("ocr not configured; document verification actions will fail")
	}
	return opts, closers, nil
}

// Language is the message generator and reply parser pair. Close is nil
// when nothing remote was opened.
type Language struct {
	Generator messaging.Generator
	Parser    messaging.Parser
	Close     func() error
}

// newLanguage prefers Gemini when an API key is present and falls back
// to the built-in templates and keyword parser whenever it is unavailable.
func newLanguage(ctx context.Context, cfg config.Gemini, log *logging.Logger) (Language, error) {
	key := ""
	if cfg.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if key == "" {
		log.Info("message generation uses templates", "reason", "no gemini api key")
		return Language{Generator: messaging.Template{}, Parser: messaging.KeywordParser{}}, nil
	}
	g, err := messaging.NewGemini(ctx, key, cfg.Model)
	if err != nil {
		return Language{}, fmt.Errorf("gemini: %w", err)
	}
	return Language{
		Generator: messaging.Fallback{Primary: g, Secondary: messaging.Template{}},
		Parser:    messaging.ParserFallback{Primary: g, Secondary: messaging.KeywordParser{}},
		Close:     g.Close,
	}, nil
}

func providerContacts(cfg *config.Config) func(string) dispatch.ProviderContact {
	return func(id string) dispatch.ProviderContact {
		p, ok := cfg.Providers[id]
		if !ok {
			return dispatch.ProviderContact{Name: id}
		}
		ch := domain.Channel(p.Channel)
		if ch == "" {
			ch = domain.ChannelEmail
		}
		name := p.Name
		if name == "" {
			name = id
		}
		return dispatch.ProviderContact{Name: name, Recipient: p.Contact, Channel: ch}
	}
}
