// Package events writes the audit trail of state changes and
// administrative actions.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/db"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Audit event types besides state changes.
const (
	TypeStateChanged    = "case.state_changed"
	TypeCaseCreated     = "case.created"
	TypeInbound         = "case.inbound_recorded"
	TypeDocumentAdded   = "document.registered"
	TypeDocumentVerdict = "document.verified"
	TypeCycleCompleted  = "cycle.completed"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,case_id,actor_id,payload_json) VALUES (?,?,?,?,?)`),
		ts, evtType, nullable(caseID), actorID, string(data))
	return err
}

// StateChanged records one applied transition.
func (w Writer) StateChanged(ctx context.Context, tx *sql.Tx, actorID string, ch domain.StateChange) error {
	return w.Append(ctx, tx, TypeStateChanged, ch.CaseID, actorID, EventPayload{
		"from":  ch.From,
		"to":    ch.To,
		"event": ch.Event,
		"at":    ch.At.UTC().Format(time.RFC3339Nano),
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
