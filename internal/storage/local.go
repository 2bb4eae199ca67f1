package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local copies documents under a base directory.
type Local struct {
	basePath string
}

func NewLocal(basePath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Local{basePath: basePath}, nil
}

func (l *Local) Place(ctx context.Context, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.Open(obj.SourcePath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", obj.SourcePath, err)
	}
	defer src.Close()

	fullPath := filepath.Join(l.basePath, filepath.FromSlash(objectKey(obj)))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(fullPath)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return fullPath, nil
}
