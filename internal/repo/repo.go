package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/events"
)

// Repo is the case store over database/sql. Queries are written with ?
// placeholders and rebound for the dialect.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Events  events.Writer
}

func New(conn *sql.DB, dialect db.Dialect, now func() time.Time) Repo {
	return Repo{DB: conn, Dialect: dialect, Events: events.Writer{Dialect: dialect, Now: now}}
}

// ErrNotFound is kept for callers that match on the repo package.
var ErrNotFound = domain.ErrNotFound

func (r Repo) q(query string) string { return r.Dialect.Rebind(query) }

// storeErr maps driver errors onto the domain error set.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrVerdictSet):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

const caseColumns = `c.id,c.client_id,c.provider_id,c.state,c.priority_score,c.sla_due_at,c.state_entered_at,c.signature_status,
c.attempts_json,c.archived,c.version,COALESCE(c.client_name,''),c.client_age,COALESCE(c.client_contact,''),COALESCE(c.client_channel,''),
c.document_quality,c.created_at,c.updated_at,
(SELECT COUNT(*) FROM documents d WHERE d.case_id=c.id AND d.verdict='pending'),
COALESCE((SELECT l.sentiment FROM communication_logs l WHERE l.case_id=c.id AND l.direction='inbound' AND l.sentiment IS NOT NULL AND l.sentiment<>'' ORDER BY l.seq DESC LIMIT 1),'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanCase(row scanner) (domain.Case, error) {
	var (
		c                                    domain.Case
		slaDue                               sql.NullString
		entered, created, updated, attempts  string
		pending                              int64
		sentiment, channel, state, signature string
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.ProviderID, &state, &c.PriorityScore, &slaDue, &entered, &signature,
		&attempts, &c.Archived, &c.Version, &c.ClientName, &c.ClientAge, &c.ClientContact, &channel,
		&c.DocumentQuality, &created, &updated, &pending, &sentiment)
	if err != nil {
		return c, err
	}
	c.State = domain.State(state)
	c.SignatureStatus = domain.SignatureStatus(signature)
	c.ClientChannel = domain.Channel(channel)
	c.LatestSentiment = domain.Sentiment(sentiment)
	c.PendingDocuments = int(pending)
	if c.SLADueAt, err = parseTimePtr(slaDue); err != nil {
		return c, err
	}
	if c.StateEnteredAt, err = parseTime(entered); err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return c, err
	}
	c.Attempts = map[domain.ActionCategory]domain.ChaseAttempt{}
	if attempts != "" {
		if err := json.Unmarshal([]byte(attempts), &c.Attempts); err != nil {
			return c, fmt.Errorf("decode attempts of case %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, c domain.Case, actor string) error {
	attempts, err := marshalAttempts(c.Attempts)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO cases(id,client_id,provider_id,state,priority_score,sla_due_at,state_entered_at,signature_status,attempts_json,archived,version,client_name,client_age,client_contact,client_channel,document_quality,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		c.ID, c.ClientID, c.ProviderID, string(c.State), c.PriorityScore, formatTimePtr(c.SLADueAt), formatTime(c.StateEnteredAt), string(c.SignatureStatus),
		attempts, c.Archived, c.Version, nullable(c.ClientName), c.ClientAge, nullable(c.ClientContact), nullable(string(c.ClientChannel)),
		c.DocumentQuality, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return storeErr(err)
	}
	if err := r.Events.Append(ctx, tx, events.TypeCaseCreated, c.ID, actor, events.EventPayload{
		"client_id":   c.ClientID,
		"provider_id": c.ProviderID,
		"state":       c.State,
	}); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	c, err := scanCase(r.DB.QueryRowContext(ctx, r.q(`SELECT `+caseColumns+` FROM cases c WHERE c.id=?`), id))
	return c, storeErr(err)
}

// CaseFilter narrows ListCases. Zero values match everything except
// archived cases.
type CaseFilter struct {
	State           domain.State
	ProviderID      string
	ClientID        string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "c.archived=?")
		args = append(args, false)
	}
	if f.State != "" {
		clauses = append(clauses, "c.state=?")
		args = append(args, string(f.State))
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "c.provider_id=?")
		args = append(args, f.ProviderID)
	}
	if f.ClientID != "" {
		clauses = append(clauses, "c.client_id=?")
		args = append(args, f.ClientID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases c WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY c.priority_score DESC, c.id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		res = append(res, c)
	}
	return res, storeErr(rows.Err())
}

// ListOpenCases returns every case that is not archived.
func (r Repo) ListOpenCases(ctx context.Context) ([]domain.Case, error) {
	return r.ListCases(ctx, CaseFilter{})
}

// SaveCase writes a case snapshot if its stored version still equals
// expectedVersion, and bumps the version.
func (r Repo) SaveCase(ctx context.Context, c domain.Case, expectedVersion int64) error {
	return r.Commit(ctx, domain.CaseUpdate{Case: c, ExpectedVersion: expectedVersion})
}

func (r Repo) updateCase(ctx context.Context, tx *sql.Tx, c domain.Case, expectedVersion int64) error {
	attempts, err := marshalAttempts(c.Attempts)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE cases SET state=?, priority_score=?, sla_due_at=?, state_entered_at=?, signature_status=?, attempts_json=?, archived=?,
client_name=?, client_age=?, client_contact=?, client_channel=?, document_quality=?, updated_at=?, version=version+1 WHERE id=? AND version=?`),
		string(c.State), c.PriorityScore, formatTimePtr(c.SLADueAt), formatTime(c.StateEnteredAt), string(c.SignatureStatus), attempts, c.Archived,
		nullable(c.ClientName), c.ClientAge, nullable(c.ClientContact), nullable(string(c.ClientChannel)), c.DocumentQuality, formatTime(c.UpdatedAt),
		c.ID, expectedVersion)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM cases WHERE id=?`), c.ID).Scan(&one); err != nil {
		return storeErr(err)
	}
	return fmt.Errorf("case %s at version %d: %w", c.ID, expectedVersion, domain.ErrConflict)
}

// Commit applies a case update in one transaction: the versioned case
// row, appended log entries, document verdicts and the audit events.
func (r Repo) Commit(ctx context.Context, u domain.CaseUpdate) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	if err := r.updateCase(ctx, tx, u.Case, u.ExpectedVersion); err != nil {
		return err
	}
	for _, l := range u.Logs {
		l.CaseID = u.Case.ID
		if _, err := r.appendLog(ctx, tx, l); err != nil {
			return err
		}
	}
	for _, d := range u.Documents {
		if d.Verdict == domain.VerdictPending {
			continue
		}
		if err := r.saveVerdict(ctx, tx, d); err != nil {
			return err
		}
		if err := r.Events.Append(ctx, tx, events.TypeDocumentVerdict, u.Case.ID, actorOr(u.Actor), events.EventPayload{
			"document_id": d.ID,
			"type":        d.Type,
			"verdict":     d.Verdict,
			"reason":      d.RejectionReason,
		}); err != nil {
			return storeErr(err)
		}
	}
	for _, ch := range u.Changes {
		if err := r.Events.StateChanged(ctx, tx, actorOr(u.Actor), ch); err != nil {
			return storeErr(err)
		}
	}
	return storeErr(tx.Commit())
}

func actorOr(actor string) string {
	if actor == "" {
		return "chaser"
	}
	return actor
}

// AppendLog stores one log entry and returns it with its sequence number.
func (r Repo) AppendLog(ctx context.Context, l domain.LogEntry, actor string) (domain.LogEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, storeErr(err)
	}
	defer tx.Rollback()
	var one int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM cases WHERE id=?`), l.CaseID).Scan(&one); err != nil {
		return l, storeErr(err)
	}
	l, err = r.appendLog(ctx, tx, l)
	if err != nil {
		return l, err
	}
	if l.Direction == domain.Inbound {
		if err := r.Events.Append(ctx, tx, events.TypeInbound, l.CaseID, actorOr(actor), events.EventPayload{
			"category":  l.Category,
			"channel":   l.Channel,
			"sentiment": l.Sentiment,
			"intent":    l.Intent,
			"signals":   stringsOrEmpty(l.Signals),
		}); err != nil {
			return l, storeErr(err)
		}
	}
	return l, storeErr(tx.Commit())
}

func (r Repo) appendLog(ctx context.Context, tx *sql.Tx, l domain.LogEntry) (domain.LogEntry, error) {
	if err := tx.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(seq),0)+1 FROM communication_logs WHERE case_id=?`), l.CaseID).Scan(&l.Seq); err != nil {
		return l, storeErr(err)
	}
	signals, err := json.Marshal(stringsOrEmpty(l.Signals))
	if err != nil {
		return l, fmt.Errorf("encode signals: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO communication_logs(id,case_id,seq,category,channel,direction,at,outcome,sentiment,intent,signals_json,detail) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		l.ID, l.CaseID, l.Seq, string(l.Category), string(l.Channel), string(l.Direction), formatTime(l.At), string(l.Outcome),
		nullable(string(l.Sentiment)), nullable(string(l.Intent)), string(signals), nullable(l.Detail))
	return l, storeErr(err)
}

func (r Repo) ListLogs(ctx context.Context, caseID string) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,case_id,seq,category,channel,direction,at,outcome,COALESCE(sentiment,''),COALESCE(intent,''),signals_json,COALESCE(detail,'')
FROM communication_logs WHERE case_id=? ORDER BY seq ASC`), caseID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var (
			l                                                                domain.LogEntry
			at, category, channel, direction, outcome, sent, intent, signals string
		)
		if err := rows.Scan(&l.ID, &l.CaseID, &l.Seq, &category, &channel, &direction, &at, &outcome, &sent, &intent, &signals, &l.Detail); err != nil {
			return nil, storeErr(err)
		}
		l.Category = domain.ActionCategory(category)
		l.Channel = domain.Channel(channel)
		l.Direction = domain.Direction(direction)
		l.Outcome = domain.Outcome(outcome)
		l.Sentiment = domain.Sentiment(sent)
		l.Intent = domain.Intent(intent)
		if err := json.Unmarshal([]byte(signals), &l.Signals); err != nil {
			return nil, fmt.Errorf("decode signals of log %s: %w", l.ID, err)
		}
		if len(l.Signals) == 0 {
			l.Signals = nil
		}
		if l.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, storeErr(rows.Err())
}

func (r Repo) InsertDocument(ctx context.Context, d domain.Document, actor string) error {
	issues, err := json.Marshal(issuesOrEmpty(d.Issues))
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO documents(id,case_id,type,file_path,confidence,issues_json,verdict,rejection_reason,stored_path,uploaded_at,verified_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.CaseID, string(d.Type), d.FilePath, nullableFloat(d.Confidence), string(issues), string(d.Verdict),
		nullable(d.RejectionReason), nullable(d.StoredPath), formatTime(d.UploadedAt), formatTimePtr(d.VerifiedAt))
	if err != nil {
		return storeErr(err)
	}
	if err := r.Events.Append(ctx, tx, events.TypeDocumentAdded, d.CaseID, actorOr(actor), events.EventPayload{
		"document_id": d.ID,
		"type":        d.Type,
	}); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

// SaveDocumentVerdict sets a verdict on a pending document. A verdict is
// written once; later attempts fail with ErrVerdictSet.
func (r Repo) SaveDocumentVerdict(ctx context.Context, d domain.Document) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	if err := r.saveVerdict(ctx, tx, d); err != nil {
		return err
	}
	return storeErr(tx.Commit())
}

func (r Repo) saveVerdict(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	issues, err := json.Marshal(issuesOrEmpty(d.Issues))
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE documents SET confidence=?, issues_json=?, verdict=?, rejection_reason=?, stored_path=?, verified_at=?
WHERE id=? AND verdict='pending'`),
		nullableFloat(d.Confidence), string(issues), string(d.Verdict), nullable(d.RejectionReason), nullable(d.StoredPath), formatTimePtr(d.VerifiedAt), d.ID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var one int
	if err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM documents WHERE id=?`), d.ID).Scan(&one); err != nil {
		return storeErr(err)
	}
	return fmt.Errorf("document %s: %w", d.ID, domain.ErrVerdictSet)
}

const documentColumns = `d.id,d.case_id,d.type,d.file_path,d.confidence,d.issues_json,d.verdict,COALESCE(d.rejection_reason,''),COALESCE(d.stored_path,''),d.uploaded_at,d.verified_at`

func (r Repo) ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+documentColumns+`
FROM documents d WHERE d.case_id=? ORDER BY d.uploaded_at ASC, d.id ASC`), caseID)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanDocuments(rows)
}

// ListClientDocuments returns the documents of every case of a client.
func (r Repo) ListClientDocuments(ctx context.Context, clientID string) ([]domain.Document, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+documentColumns+`
FROM documents d JOIN cases c ON c.id=d.case_id WHERE c.client_id=? ORDER BY d.uploaded_at ASC, d.id ASC`), clientID)
	if err != nil {
		return nil, storeErr(err)
	}
	return scanDocuments(rows)
}

func scanDocuments(rows *sql.Rows) ([]domain.Document, error) {
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var (
			d                        domain.Document
			typ, issues, verdict, up string
			confidence               sql.NullFloat64
			verified                 sql.NullString
			err                      error
		)
		if err = rows.Scan(&d.ID, &d.CaseID, &typ, &d.FilePath, &confidence, &issues, &verdict, &d.RejectionReason, &d.StoredPath, &up, &verified); err != nil {
			return nil, storeErr(err)
		}
		d.Type = domain.DocumentType(typ)
		d.Verdict = domain.Verdict(verdict)
		if confidence.Valid {
			v := confidence.Float64
			d.Confidence = &v
		}
		if err := json.Unmarshal([]byte(issues), &d.Issues); err != nil {
			return nil, fmt.Errorf("decode issues of document %s: %w", d.ID, err)
		}
		if d.UploadedAt, err = parseTime(up); err != nil {
			return nil, err
		}
		if d.VerifiedAt, err = parseTimePtr(verified); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, storeErr(rows.Err())
}

// LatestEvents returns audit events newest first, optionally for one case.
func (r Repo) LatestEvents(ctx context.Context, limit int, caseID, evtType string) ([]domain.AuditEvent, error) {
	return r.LatestEventsFrom(ctx, limit, 0, caseID, evtType)
}

// LatestEventsFrom pages LatestEvents: only events with an id at or below
// cursor are returned when cursor is positive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, caseID, evtType string) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id<=?")
		args = append(args, cursor)
	}
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(case_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, storeErr(err)
		}
		res = append(res, e)
	}
	return res, storeErr(rows.Err())
}

// EventsAfter returns up to limit audit events with an id above afterID,
// oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,ts,type,COALESCE(case_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.ActorID, &e.PayloadJSON); err != nil {
			return nil, storeErr(err)
		}
		res = append(res, e)
	}
	return res, storeErr(rows.Err())
}

// LatestEventID returns the highest audit event id, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, storeErr(err)
}

// RecordEvent appends a standalone audit event, e.g. a cycle summary.
func (r Repo) RecordEvent(ctx context.Context, evtType, caseID, actor string, payload events.EventPayload) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()
	if err := r.Events.Append(ctx, tx, evtType, caseID, actorOr(actor), payload); err != nil {
		return storeErr(err)
	}
	return storeErr(tx.Commit())
}

func marshalAttempts(a map[domain.ActionCategory]domain.ChaseAttempt) (string, error) {
	if a == nil {
		return "{}", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attempts: %w", err)
	}
	return string(data), nil
}

func stringsOrEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func issuesOrEmpty(issues []domain.QualityIssue) []domain.QualityIssue {
	if issues == nil {
		return []domain.QualityIssue{}
	}
	return issues
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
