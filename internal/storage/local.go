package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes objects under a directory that the HTTP server exposes at
// publicBaseURL. Meant for development.
type Local struct {
	dir           string
	publicBaseURL string
}

func NewLocal(dir, publicBaseURL string) *Local {
	return &Local{dir: dir, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (l *Local) Dir() string { return l.dir }

func (l *Local) Upload(ctx context.Context, data []byte, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := cleanPath(obj.Path)
	if err != nil {
		return "", err
	}
	full := filepath.Join(l.dir, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmp := full + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return "", fmt.Errorf("commit object: %w", err)
	}
	return l.publicBaseURL + "/" + p, nil
}
