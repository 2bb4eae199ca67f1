package chasersdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chasersdk "github.com/kgnguhan/agentic-chaser/sdk/go"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/dispatch"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/migrate"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
	"github.com/kgnguhan/agentic-chaser/internal/server"
)

const secret = "sdk-secret"

func newClient(t *testing.T, roles ...string) *chasersdk.Client {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sent := dispatch.HandlerFunc(func(_ context.Context, job dispatch.Job) (dispatch.Outcome, error) {
		if job.Case.State == domain.StatePrepared {
			ev := domain.EventLOAIssued
			return dispatch.Outcome{Detail: "loa sent", Event: &ev}, nil
		}
		return dispatch.Outcome{Detail: "reminder sent"}, nil
	})
	e := engine.New(repo.New(conn, dialect, time.Now), config.Default(), logging.Nop(),
		dispatch.WithHandler(domain.ActionClientCommunication, sent),
	)
	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	token, err := server.SignToken(secret, "sdk-user", roles, nil, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return chasersdk.New(ts.URL, token)
}

func TestClientCaseFlow(t *testing.T) {
	c := newClient(t, "admin")
	ctx := context.Background()

	created, err := c.CreateCase(ctx, chasersdk.NewCase{ID: "k1", ClientID: "cl", ProviderID: "aviva", ClientAge: 67})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != "prepared" {
		t.Fatalf("state = %s", created.State)
	}
	summary, err := c.RunCycle(ctx, 0)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if summary.Dispatched != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	got, err := c.GetCase(ctx, "k1")
	if err != nil || got.State != "client_signature_pending" {
		t.Fatalf("get: %+v %v", got, err)
	}
	_, change, err := c.ApplyEvent(ctx, "k1", "signature_received", "", "wet signature scanned")
	if err != nil || change.To != "client_signed" {
		t.Fatalf("event: %+v %v", change, err)
	}
	logs, err := c.Logs(ctx, "k1")
	if err != nil || len(logs) != 1 || logs[0].Direction != "outbound" {
		t.Fatalf("logs: %+v %v", logs, err)
	}
	cases, err := c.ListCases(ctx, "client_signed")
	if err != nil || len(cases) != 1 {
		t.Fatalf("list: %+v %v", cases, err)
	}
	evs, err := c.Events(ctx, 1)
	if err != nil || len(evs) != 1 || evs[0].CaseID != "k1" {
		t.Fatalf("events: %+v %v", evs, err)
	}
}

func TestClientFactFindAndParsedReply(t *testing.T) {
	c := newClient(t, "admin")
	ctx := context.Background()
	if _, err := c.CreateCase(ctx, chasersdk.NewCase{ID: "k1", ClientID: "cl", ProviderID: "aviva"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	l, err := c.RecordInbound(ctx, "k1", "", "Please bear with me, I'm still working on it")
	if err != nil || l.Intent != "delay_explanation" || len(l.Signals) != 0 {
		t.Fatalf("inbound: %+v %v", l, err)
	}
	q, err := c.FactFindQueue(ctx, 5)
	if err != nil || len(q) != 1 || q[0].ClientID != "cl" || q[0].Status.Received != 0 || len(q[0].Status.Missing) == 0 {
		t.Fatalf("queue: %+v %v", q, err)
	}
}

func TestClientReportsEnvelopeCode(t *testing.T) {
	c := newClient(t, "viewer")
	_, err := c.CreateCase(context.Background(), chasersdk.NewCase{ClientID: "cl", ProviderID: "aviva"})
	var apiErr *chasersdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = c.GetCase(context.Background(), "nope")
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}
