// Package storage re-hosts generated media in storage the service owns.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPath is returned for object paths that escape the bucket root.
var ErrInvalidPath = errors.New("invalid object path")

// Object describes where and how bytes are stored.
type Object struct {
	Path        string
	ContentType string
}

// Uploader stores bytes and returns a public URL for them.
type Uploader interface {
	Upload(ctx context.Context, data []byte, obj Object) (string, error)
}

func cleanPath(p string) (string, error) {
	if p == "" {
		return "", ErrInvalidPath
	}
	c := path.Clean("/" + p)
	if c == "/" || strings.Contains(p, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return strings.TrimPrefix(c, "/"), nil
}
