// Package factfind tracks which fact-find document categories a client
// has supplied and builds the queue of clients still owing documents.
package factfind

import (
	"fmt"
	"sort"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Category is one fact-find requirement and the document types that satisfy it.
type Category struct {
	Key   string                `json:"key"`
	Label string                `json:"label"`
	Types []domain.DocumentType `json:"-"`
}

// Categories are the known requirements in chasing order.
var Categories = []Category{
	{Key: "identity", Label: "Proof of identity (passport, driving licence)", Types: []domain.DocumentType{domain.DocPassport, domain.DocDrivingLicence}},
	{Key: "address", Label: "Proof of address (utility bill, bank statement)", Types: []domain.DocumentType{domain.DocUtilityBill, domain.DocCouncilTax, domain.DocBankStatement}},
	{Key: "pension_statements", Label: "Existing pension statements", Types: []domain.DocumentType{domain.DocPensionStmt}},
	{Key: "investment_valuations", Label: "Investment valuations", Types: []domain.DocumentType{domain.DocInvestmentStmt}},
	{Key: "protection_policies", Label: "Protection policy documents", Types: []domain.DocumentType{domain.DocProtection}},
	{Key: "payslips", Label: "Payslips for pension contribution calculations", Types: []domain.DocumentType{domain.DocPayslip}},
	{Key: "p60s", Label: "P60s for tax planning", Types: []domain.DocumentType{domain.DocP60}},
}

// Keys lists every category key.
func Keys() []string {
	out := make([]string, len(Categories))
	for i, c := range Categories {
		out[i] = c.Key
	}
	return out
}

// Lookup finds a category by key.
func Lookup(key string) (Category, bool) {
	for _, c := range Categories {
		if c.Key == key {
			return c, true
		}
	}
	return Category{}, false
}

// CategoryOf returns the category a document type satisfies, if any.
func CategoryOf(t domain.DocumentType) (Category, bool) {
	for _, c := range Categories {
		for _, ct := range c.Types {
			if ct == t {
				return c, true
			}
		}
	}
	return Category{}, false
}

// Checklist is the ordered set of categories a client must supply.
type Checklist []Category

// FromKeys builds a checklist; unknown keys are an error.
func FromKeys(keys []string) (Checklist, error) {
	out := make(Checklist, 0, len(keys))
	for _, k := range keys {
		c, ok := Lookup(k)
		if !ok {
			return nil, fmt.Errorf("unknown fact-find category %q", k)
		}
		out = append(out, c)
	}
	return out, nil
}

// Status is a client's progress against a checklist. Only accepted
// documents count as received.
type Status struct {
	Required int      `json:"required"`
	Received int      `json:"received"`
	Missing  []string `json:"missing"`
	Supplied []string `json:"supplied"`
}

// Complete reports whether nothing is missing.
func (s Status) Complete() bool { return len(s.Missing) == 0 }

// Check compares accepted documents against the checklist.
func (l Checklist) Check(docs []domain.Document) Status {
	have := make(map[string]bool)
	for _, d := range docs {
		if d.Verdict != domain.VerdictAccepted {
			continue
		}
		if c, ok := CategoryOf(d.Type); ok {
			have[c.Key] = true
		}
	}
	st := Status{Required: len(l), Missing: []string{}, Supplied: []string{}}
	for _, c := range l {
		if have[c.Key] {
			st.Received++
			st.Supplied = append(st.Supplied, c.Label)
		} else {
			st.Missing = append(st.Missing, c.Label)
		}
	}
	return st
}

// QueueEntry is one client owing fact-find documents.
type QueueEntry struct {
	ClientID   string   `json:"client_id"`
	ClientName string   `json:"client_name"`
	CaseIDs    []string `json:"case_ids"`
	Status     Status   `json:"status"`
}

// Queue groups open cases by client, checks each client's accepted
// documents across all of their cases and returns the clients with
// something missing: most missing first, then by name and id. limit <= 0
// returns everyone.
func (l Checklist) Queue(cases []domain.Case, docsByCase map[string][]domain.Document, limit int) []QueueEntry {
	type client struct {
		entry QueueEntry
		docs  []domain.Document
	}
	byClient := make(map[string]*client)
	var order []string
	for _, c := range cases {
		if c.Archived || c.State == domain.StateComplete {
			continue
		}
		cl, ok := byClient[c.ClientID]
		if !ok {
			cl = &client{entry: QueueEntry{ClientID: c.ClientID, ClientName: c.ClientName}}
			byClient[c.ClientID] = cl
			order = append(order, c.ClientID)
		}
		if cl.entry.ClientName == "" {
			cl.entry.ClientName = c.ClientName
		}
		cl.entry.CaseIDs = append(cl.entry.CaseIDs, c.ID)
		cl.docs = append(cl.docs, docsByCase[c.ID]...)
	}
	var out []QueueEntry
	for _, id := range order {
		cl := byClient[id]
		cl.entry.Status = l.Check(cl.docs)
		if !cl.entry.Status.Complete() {
			out = append(out, cl.entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if len(a.Status.Missing) != len(b.Status.Missing) {
			return len(a.Status.Missing) > len(b.Status.Missing)
		}
		if a.ClientName != b.ClientName {
			return a.ClientName < b.ClientName
		}
		return a.ClientID < b.ClientID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
