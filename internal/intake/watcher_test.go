package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

type fakeRegistrar struct {
	mu    sync.Mutex
	cases map[string][]domain.Document
}

func newFakeRegistrar(ids ...string) *fakeRegistrar {
	r := &fakeRegistrar{cases: map[string][]domain.Document{}}
	for _, id := range ids {
		r.cases[id] = nil
	}
	return r
}

func (f *fakeRegistrar) RegisterDocument(_ context.Context, opts engine.DocumentOptions) (domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := domain.Document{ID: opts.FilePath, CaseID: opts.CaseID, Type: domain.ParseDocumentType(opts.Type), FilePath: opts.FilePath, Verdict: domain.VerdictPending}
	f.cases[opts.CaseID] = append(f.cases[opts.CaseID], d)
	return d, nil
}

func (f *fakeRegistrar) CaseDocuments(_ context.Context, caseID string) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, ok := f.cases[caseID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]domain.Document(nil), docs...), nil
}

func (f *fakeRegistrar) count(caseID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cases[caseID])
}

func TestParseName(t *testing.T) {
	cases := map[string]bool{
		"case-1__passport__scan.jpg":      true,
		"case-1__utility_bill__march.pdf": true,
		"case-1__passport.jpg":            false,
		".case-1__passport__scan.jpg":     false,
		"case-1__passport__scan.jpg.part": false,
		"__passport__scan.jpg":            false,
		"case-1____scan.jpg":              false,
	}
	for name, want := range cases {
		sub, ok := ParseName(filepath.Join("/inbox", name))
		if ok != want {
			t.Fatalf("%s: ok=%v want %v", name, ok, want)
		}
		if ok && sub.CaseID != "case-1" {
			t.Fatalf("%s: case id %q", name, sub.CaseID)
		}
	}
}

func TestScanRegistersOnce(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c1__passport__a.jpg", "c1__p60__b.pdf", "unknown__passport__c.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg := newFakeRegistrar("c1")
	w := New(dir, reg, logging.Nop())
	n, err := w.Scan(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("scan: n=%d err=%v", n, err)
	}
	// a fresh watcher over the same inbox sees the files as registered
	again, err := New(dir, reg, logging.Nop()).Scan(context.Background())
	if err != nil || again != 0 || reg.count("c1") != 2 {
		t.Fatalf("rescan: n=%d err=%v count=%d", again, err, reg.count("c1"))
	}
}

func TestRunPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistrar("c9")
	w := New(dir, reg, logging.Nop())
	w.Debounce = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	path := filepath.Join(dir, "c9__signed_loa__loa.pdf")
	written := false
	for reg.count("c9") == 0 && time.Now().Before(deadline) {
		if !written {
			// give the watcher a moment to register the directory
			time.Sleep(50 * time.Millisecond)
			if err := os.WriteFile(path, []byte("%PDF"), 0o644); err != nil {
				t.Fatal(err)
			}
			written = true
		}
		time.Sleep(20 * time.Millisecond)
	}
	if reg.count("c9") != 1 {
		t.Fatalf("file not registered")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
}
