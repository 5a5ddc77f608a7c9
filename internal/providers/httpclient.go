package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

// apiError is the error body both providers return on failure.
type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx responses become *Error.
func do(ctx context.Context, client *http.Client, log *zap.Logger, provider string, req *http.Request, out any) error {
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn("provider request failed", zap.String("provider", provider), zap.String("url", req.URL.Path), zap.Error(err))
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s read body: %w", provider, err)
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(body, &ae)
		msg := ae.Message
		if msg == "" {
			msg = ae.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		log.Warn("provider returned error",
			zap.String("provider", provider),
			zap.Int("status", resp.StatusCode),
			zap.String("code", ae.Code),
			zap.String("request_id", ae.RequestID),
		)
		return &Error{Provider: provider, StatusCode: resp.StatusCode, Code: ae.Code, Message: msg}
	}
	log.Debug("provider request ok", zap.String("provider", provider), zap.Int("status", resp.StatusCode))
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s decode response: %w", provider, err)
	}
	return nil
}

func newJSONRequest(method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
