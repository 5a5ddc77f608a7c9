package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTooLarge is returned when a provider result exceeds the size limit.
var ErrTooLarge = errors.New("media exceeds size limit")

const defaultAttempts = 3

// Rehoster copies provider result URLs into owned storage.
type Rehoster struct {
	uploader Uploader
	http     *http.Client
	maxBytes int64
	attempts int
	backoff  time.Duration
	log      *zap.Logger
}

func NewRehoster(uploader Uploader, maxBytes int64, log *zap.Logger) *Rehoster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rehoster{
		uploader: uploader,
		http:     &http.Client{Timeout: 2 * time.Minute},
		maxBytes: maxBytes,
		attempts: defaultAttempts,
		backoff:  500 * time.Millisecond,
		log:      log,
	}
}

// Rehost downloads each URL and uploads it, returning owned URLs in the same
// order. Any failed item fails the whole call so no partial result is kept.
func (r *Rehoster) Rehost(ctx context.Context, userID, taskID uuid.UUID, urls []string) ([]string, error) {
	owned := make([]string, 0, len(urls))
	for i, src := range urls {
		var dst string
		var err error
		for attempt := 1; attempt <= r.attempts; attempt++ {
			dst, err = r.copyOne(ctx, userID, taskID, i, src)
			if err == nil || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrInvalidPath) {
				break
			}
			r.log.Warn("rehost attempt failed",
				zap.String("task_id", taskID.String()),
				zap.Int("index", i),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt < r.attempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(r.backoff * time.Duration(attempt)):
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("rehost result %d: %w", i, err)
		}
		owned = append(owned, dst)
	}
	return owned, nil
}

func (r *Rehoster) copyOne(ctx context.Context, userID, taskID uuid.UUID, index int, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("download request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	obj := Object{
		Path:        fmt.Sprintf("%s/%s/%d%s", userID, taskID, index, extension(src, contentType)),
		ContentType: contentType,
	}
	return r.uploader.Upload(ctx, data, obj)
}

func extension(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
