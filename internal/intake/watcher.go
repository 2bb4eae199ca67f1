// Package intake turns files dropped into an inbox directory into
// document submissions. File names follow <caseID>__<doc-type>__<anything>.
package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kgnguhan/agentic-chaser/internal/domain"
	"github.com/kgnguhan/agentic-chaser/internal/engine"
	"github.com/kgnguhan/agentic-chaser/internal/logging"
)

const separator = "__"

// Registrar is satisfied by engine.Engine.
type Registrar interface {
	RegisterDocument(ctx context.Context, opts engine.DocumentOptions) (domain.Document, error)
	CaseDocuments(ctx context.Context, caseID string) ([]domain.Document, error)
}

// Submission is a parsed inbox file name.
type Submission struct {
	CaseID string
	Type   string
	Path   string
}

// ParseName splits an inbox file name. Hidden and temporary files are ignored.
func ParseName(path string) (Submission, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".part") {
		return Submission{}, false
	}
	parts := strings.SplitN(base, separator, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Submission{}, false
	}
	return Submission{CaseID: parts[0], Type: parts[1], Path: path}, true
}

type Watcher struct {
	Inbox    string
	Debounce time.Duration
	Actor    string

	reg  Registrar
	log  *logging.Logger
	mu   sync.Mutex
	done map[string]struct{}
}

func New(inbox string, reg Registrar, log *logging.Logger) *Watcher {
	return &Watcher{
		Inbox:    inbox,
		Debounce: 250 * time.Millisecond,
		Actor:    "intake",
		reg:      reg,
		log:      log,
		done:     make(map[string]struct{}),
	}
}

// Scan registers every file already sitting in the inbox and returns how
// many new documents were registered.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.Inbox)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := w.handle(ctx, filepath.Join(w.Inbox, e.Name()))
		if err != nil {
			w.log.Warn("intake failed", "file", e.Name(), "error", err.Error())
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Run scans the inbox, then registers new files as they appear until ctx
// is done. Bursts of write events for one file are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Inbox, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Inbox); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	if _, err := w.Scan(ctx); err != nil {
		return err
	}
	w.log.Info("watching inbox", "path", w.Inbox)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.Debounce)
		case <-timer.C:
			for path := range pending {
				if _, err := w.handle(ctx, path); err != nil {
					w.log.Warn("intake failed", "file", filepath.Base(path), "error", err.Error())
				}
			}
			pending = map[string]struct{}{}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("inbox watcher error", "error", err.Error())
		}
	}
}

// handle registers one file once. Files that name an unknown case are
// remembered so they are not retried on every write.
func (w *Watcher) handle(ctx context.Context, path string) (bool, error) {
	sub, ok := ParseName(path)
	if !ok {
		return false, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	sub.Path = abs
	w.mu.Lock()
	_, seen := w.done[abs]
	w.mu.Unlock()
	if seen {
		return false, nil
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return false, nil
	}

	docs, err := w.reg.CaseDocuments(ctx, sub.CaseID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		w.markDone(abs)
		w.log.Warn("inbox file names unknown case", "file", filepath.Base(abs), "case_id", sub.CaseID)
		return false, nil
	case err != nil:
		return false, err
	}
	for _, d := range docs {
		if d.FilePath == abs {
			w.markDone(abs)
			return false, nil
		}
	}
	d, err := w.reg.RegisterDocument(ctx, engine.DocumentOptions{CaseID: sub.CaseID, Type: sub.Type, FilePath: abs, ActorID: w.Actor})
	if err != nil {
		var ve engine.ValidationError
		if errors.As(err, &ve) {
			w.markDone(abs)
		}
		return false, err
	}
	w.markDone(abs)
	w.log.WithCase(sub.CaseID).Info("document received", "document", d.ID, "type", string(d.Type), "file", filepath.Base(abs))
	return true, nil
}

func (w *Watcher) markDone(path string) {
	w.mu.Lock()
	w.done[path] = struct{}{}
	w.mu.Unlock()
}
