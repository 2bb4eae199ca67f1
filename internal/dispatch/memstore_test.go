package dispatch

import (
	"context"
	"sync"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// memStore is an in-memory Store with the same version check as the repo.
type memStore struct {
	mu      sync.Mutex
	cases   map[string]domain.Case
	docs    map[string][]domain.Document
	logs    map[string][]domain.LogEntry
	changes []domain.StateChange
	commits int
}

func newMemStore(cases ...domain.Case) *memStore {
	s := &memStore{
		cases: make(map[string]domain.Case),
		docs:  make(map[string][]domain.Document),
		logs:  make(map[string][]domain.LogEntry),
	}
	for _, c := range cases {
		s.cases[c.ID] = c.Clone()
	}
	return s
}

func (s *memStore) GetCase(_ context.Context, id string) (domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return domain.Case{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) ListDocuments(_ context.Context, caseID string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Document(nil), s.docs[caseID]...), nil
}

func (s *memStore) ListLogs(_ context.Context, caseID string) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LogEntry(nil), s.logs[caseID]...), nil
}

func (s *memStore) Commit(_ context.Context, u domain.CaseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cases[u.Case.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != u.ExpectedVersion {
		return domain.ErrConflict
	}
	next := u.Case.Clone()
	next.Version = u.ExpectedVersion + 1
	s.cases[next.ID] = next
	for _, l := range u.Logs {
		l.Seq = int64(len(s.logs[next.ID]) + 1)
		s.logs[next.ID] = append(s.logs[next.ID], l)
	}
	for _, d := range u.Documents {
		s.docs[next.ID] = mergeDocuments(s.docs[next.ID], []domain.Document{d})
	}
	s.changes = append(s.changes, u.Changes...)
	s.commits++
	return nil
}

func (s *memStore) outcomes(caseID string) []domain.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Outcome
	for _, l := range s.logs[caseID] {
		out = append(out, l.Outcome)
	}
	return out
}
