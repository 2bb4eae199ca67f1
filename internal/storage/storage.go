// Package storage places accepted documents into the client's folder.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kgnguhan/agentic-chaser/internal/config"
	"github.com/kgnguhan/agentic-chaser/internal/domain"
)

// Object describes a document to place.
type Object struct {
	ClientID   string
	CaseID     string
	DocumentID string
	Type       domain.DocumentType
	SourcePath string
}

// Placer copies an accepted document into its final location and returns
// the stored path or key.
type Placer interface {
	Place(ctx context.Context, obj Object) (string, error)
}

// FromConfig selects the placement backend.
func FromConfig(ctx context.Context, cfg config.Storage, workspace string) (Placer, error) {
	switch cfg.Type {
	case "", "local":
		base := cfg.LocalPath
		if base == "" {
			base = "documents"
		}
		if !filepath.IsAbs(base) && workspace != "" {
			base = filepath.Join(workspace, base)
		}
		return NewLocal(base)
	case "s3":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// objectKey is <client>/<type>_<document><ext>.
func objectKey(obj Object) string {
	client := sanitize(obj.ClientID)
	if client == "" {
		client = "unassigned"
	}
	typ := obj.Type
	if typ == "" {
		typ = domain.DocOther
	}
	ext := strings.ToLower(filepath.Ext(obj.SourcePath))
	return client + "/" + string(typ) + "_" + sanitize(obj.DocumentID) + ext
}

var pathReplacer = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "..", "_")

func sanitize(s string) string {
	return pathReplacer.Replace(strings.TrimSpace(s))
}

func contentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
