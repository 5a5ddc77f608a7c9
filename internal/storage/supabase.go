package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Supabase uploads through the Storage REST API with the service key.
type Supabase struct {
	baseURL    string
	serviceKey string
	bucket     string
	http       *http.Client
	log        *zap.Logger
}

func NewSupabase(baseURL, serviceKey, bucket string, log *zap.Logger) *Supabase {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supabase{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     bucket,
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        log,
	}
}

func (s *Supabase) Upload(ctx context.Context, data []byte, obj Object) (string, error) {
	p, err := cleanPath(obj.Path)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("x-upsert", "true")
	if obj.ContentType != "" {
		req.Header.Set("Content-Type", obj.ContentType)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("supabase upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.log.Warn("supabase upload rejected", zap.Int("status", resp.StatusCode), zap.String("path", p), zap.String("body", string(body)))
		return "", fmt.Errorf("supabase upload: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return s.PublicURL(p), nil
}

// PublicURL is the public object URL for a bucket-relative path.
func (s *Supabase) PublicURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, strings.TrimPrefix(p, "/"))
}
