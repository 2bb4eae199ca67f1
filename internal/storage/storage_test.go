package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

func TestLocalPlaceCopiesIntoClientFolder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.PDF")
	if err := os.WriteFile(src, []byte("scan"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := FromConfig(context.Background(), config.Storage{Type: "local", LocalPath: "documents"}, dir)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	stored, err := p.Place(context.Background(), Object{ClientID: "cl 1", DocumentID: "d1", Type: domain.DocPassport, SourcePath: src})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	want := filepath.Join(dir, "documents", "cl_1", "passport_d1.pdf")
	if stored != want {
		t.Fatalf("stored at %s, want %s", stored, want)
	}
	data, err := os.ReadFile(stored)
	if err != nil || string(data) != "scan" {
		t.Fatalf("copy mismatch: %q %v", data, err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("source should remain: %v", err)
	}
}

func TestLocalPlaceMissingSource(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := l.Place(context.Background(), Object{DocumentID: "d1", SourcePath: "/nope/missing.png"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestObjectKeyDefaults(t *testing.T) {
	if got := objectKey(Object{DocumentID: "../x", SourcePath: "a.jpg"}); got != "unassigned/other__x.jpg" {
		t.Fatalf("got %s", got)
	}
}

func TestFromConfigUnknown(t *testing.T) {
	if _, err := FromConfig(context.Background(), config.Storage{Type: "ftp"}, ""); err == nil {
		t.Fatalf("expected error")
	}
}
