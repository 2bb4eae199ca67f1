package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/dispatch"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
	"github.com/kgnguhan/agentic-chaser/internal/migrate"
	"github.com/kgnguhan/agentic-chaser/internal/repo"
)

const testSecret = "test-secret"

var start = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return start }
	client := dispatch.HandlerFunc(func(_ context.Context, job dispatch.Job) (dispatch.Outcome, error) {
		if job.Case.State == domain.StatePrepared {
			ev := domain.EventLOAIssued
			return dispatch.Outcome{Detail: "loa sent", Event: &ev}, nil
		}
		return dispatch.Outcome{Detail: "reminder sent"}, nil
	})
	e := engine.New(repo.New(conn, dialect, clock), config.Default(), logging.Nop(),
		dispatch.WithHandler(domain.ActionClientCommunication, client),
		dispatch.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	e.Now = clock
	if authCfg.JWTSecret == "" {
		authCfg.JWTSecret = testSecret
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, roles, nil, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestHealthIsOpenAndCasesRequireAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(body))
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "ana", "advisor")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"id":          "case-1",
		"client_id":   "cl-1",
		"provider_id": "aviva",
	}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Case
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.State != domain.StatePrepared {
		t.Fatalf("expected prepared, got %s", created.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/case-1/events", map[string]any{"type": "case_closed"}, h)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid transition, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/case-1/events", map[string]any{"type": "loa_issued"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("apply event status %d: %s", res.StatusCode, string(data))
	}
	var tr TransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if tr.Case.State != domain.StateClientSignaturePending || tr.Change.From != domain.StatePrepared {
		t.Fatalf("unexpected transition %+v", tr)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/case-1/inbound", map[string]any{"text": "I don't understand what to sign"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbound status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/case-1/logs", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs status %d: %s", res.StatusCode, string(data))
	}
	var logs logList
	_ = json.Unmarshal(data, &logs)
	if len(logs.Items) != 1 || logs.Items[0].Direction != domain.Inbound {
		t.Fatalf("unexpected logs %+v", logs.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/missing", nil, h)
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestFactFindQueueAndParsedRepliesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "ana", "advisor")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"id":          "case-1",
		"client_id":   "cl-1",
		"provider_id": "aviva",
		"state":       "client_signature_pending",
	}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/case-1/inbound", map[string]any{"text": "Signed it and posted it back this morning"}, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbound status %d: %s", res.StatusCode, string(data))
	}
	var entry domain.LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}
	if entry.Intent != domain.IntentSignedAndReturning || !entry.HasSignal(domain.SignalSigned) {
		t.Fatalf("reply not parsed: %+v", entry)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/fact-find/queue?limit=10", nil, bearer(t, "vic", "viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var q factFindQueue
	if err := json.Unmarshal(data, &q); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if len(q.Items) != 1 || q.Items[0].ClientID != "cl-1" || len(q.Items[0].Status.Missing) != len(config.Default().FactFind.Required) {
		t.Fatalf("unexpected queue %+v", q.Items)
	}
}

func TestCreateCaseValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	h := bearer(t, "ana", "advisor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"client_id":   "cl-1",
		"provider_id": "aviva",
		"client_age":  -3,
	}, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases/none/documents", map[string]any{
		"type":      "passport",
		"file_path": "/tmp/p.jpg",
	}, h)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestViewerCannotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"client_id":   "cl-1",
		"provider_id": "aviva",
	}, bearer(t, "vic", "viewer"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", nil, bearer(t, "vic", "viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer list status %d: %s", res.StatusCode, string(data))
	}
}

func TestRunCycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for _, id := range []string{"a", "b"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
			"id": id, "client_id": "cl-" + id, "provider_id": "aviva",
		}, bearer(t, "ana", "advisor"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create %s: %d %s", id, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", map[string]any{}, bearer(t, "ana", "advisor"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("advisor should not run cycles, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", map[string]any{"batch": 1}, bearer(t, "ops", "operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cycle status %d: %s", res.StatusCode, string(data))
	}
	var summary CycleResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Selected != 1 || summary.Dispatched != 1 || summary.ByCategory[string(domain.ActionClientCommunication)] != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=cycle.completed", nil, bearer(t, "ops", "operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Payload["dispatched"] != float64(1) {
		t.Fatalf("unexpected cycle events %+v", page.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	h := bearer(t, "root", "admin")
	for _, id := range []string{"a", "b", "c"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
			"id": id, "client_id": "cl", "provider_id": "aviva",
		}, h)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create %s: %d %s", id, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var first paginatedEvents
	_ = json.Unmarshal(data, &first)
	if len(first.Items) != 2 || first.NextCursor == "" || first.Items[0].CaseID != "c" {
		t.Fatalf("unexpected first page %+v", first)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+first.NextCursor, nil, h)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var second paginatedEvents
	_ = json.Unmarshal(data, &second)
	if len(second.Items) != 1 || second.NextCursor != "" || second.Items[0].CaseID != "a" {
		t.Fatalf("unexpected second page %+v", second)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, h)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad cursor 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dana",
		"roles":    []string{"operator"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "dana" || me.Source != "jwt" || !strings.Contains(strings.Join(me.Permissions, ","), "cycle.run") {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dana",
		"roles":    []string{"superuser"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected unknown role 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowLegacyActorHeader: true})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": "local"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "local" || me.Source != "legacy_header" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (f *fakeEvents) add(evtType, caseID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, domain.AuditEvent{
		ID:          int64(len(f.events) + 1),
		Type:        evtType,
		CaseID:      caseID,
		ActorID:     "chaser",
		TS:          start.Format(time.RFC3339),
		PayloadJSON: `{"to":"stalled"}`,
	})
}

func (f *fakeEvents) EventsAfter(_ context.Context, limit int, afterID int64) ([]domain.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range f.events {
		if e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) LatestEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.events)), nil
}

func TestWebhookForwarderDeliversNewMatchingEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	src := &fakeEvents{}
	src.add("case.state_changed", "old")
	fwd := NewWebhookForwarder(src, []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"case.state_changed"}, Secret: "s3cret"},
	}, logging.Nop())
	ctx := context.Background()

	fwd.dispatchAll(ctx)
	src.add("case.created", "new")
	src.add("case.state_changed", "new")
	fwd.dispatchAll(ctx)
	fwd.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].ID != 3 || got[0].CaseID != "new" || string(got[0].Payload) != `{"to":"stalled"}` {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if headers[0].Get("X-Chaser-Event") != "case.state_changed" || headers[0].Get("X-Chaser-Secret") != "s3cret" || headers[0].Get("X-Chaser-Delivery") != "3" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}

func TestWebhookForwarderRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	src := &fakeEvents{}
	fwd := NewWebhookForwarder(src, []config.WebhookConfig{{URL: hook.URL}}, logging.Nop())
	ctx := context.Background()
	fwd.dispatchAll(ctx)
	src.add("cycle.completed", "")
	fwd.dispatchAll(ctx)
	fwd.dispatchAll(ctx)
	fwd.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a retry after the failed delivery, got %d calls", calls)
	}
}

func TestWebhookForwarderDisabled(t *testing.T) {
	off := false
	fwd := NewWebhookForwarder(&fakeEvents{}, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, logging.Nop())
	done := make(chan error, 1)
	go func() { done <- fwd.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run should return when no webhook is enabled")
	}
}
