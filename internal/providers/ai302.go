package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/models"
)

const (
	AI302Name = "302ai"

	colorizePath = "/302/submit/colorize"
	fetchPath    = "/302/fetch"

	maxSourceBytes = 20 << 20
)

// AI302Features are served by the 302.AI colorize endpoint.
var AI302Features = []string{"colorization"}

// AI302 submits colorization jobs as multipart uploads of the source image.
type AI302 struct {
	apiKey  string
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewAI302(apiKey, baseURL string, timeout time.Duration, log *zap.Logger) *AI302 {
	if log == nil {
		log = zap.NewNop()
	}
	return &AI302{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With(zap.String("provider", AI302Name)),
	}
}

func (a *AI302) Name() string { return AI302Name }

type ai302Response struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Output      string `json:"output"`
	Error       string `json:"error"`
	CompletedAt string `json:"completed_at"`
}

func (a *AI302) Submit(ctx context.Context, in Input) (Submission, error) {
	image, err := a.download(ctx, in.SourceMediaURL)
	if err != nil {
		return Submission{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", sourceFileName(in.SourceMediaURL))
	if err != nil {
		return Submission{}, fmt.Errorf("multipart: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return Submission{}, fmt.Errorf("multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Submission{}, fmt.Errorf("multipart: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, a.baseURL+colorizePath, &buf)
	if err != nil {
		return Submission{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	a.authorize(req)

	var out ai302Response
	if err := do(ctx, a.http, a.log, AI302Name, req, &out); err != nil {
		return Submission{}, err
	}

	if strings.EqualFold(out.Status, "succeeded") && out.Output != "" {
		id := out.ID
		if id == "" {
			id = "sync-" + fmt.Sprint(time.Now().UnixNano())
		}
		a.log.Info("colorize finished synchronously", zap.String("provider_task_id", id))
		return Submission{
			ProviderTaskID: id,
			Immediate:      &Status{State: models.TaskStatusSucceeded, ResultURLs: []string{out.Output}},
		}, nil
	}
	if out.Error != "" {
		return Submission{}, &Error{Provider: AI302Name, StatusCode: http.StatusOK, Message: out.Error}
	}
	if out.ID == "" {
		return Submission{}, &Error{Provider: AI302Name, StatusCode: http.StatusOK, Message: "response carried no task id"}
	}
	a.log.Info("task submitted", zap.String("provider_task_id", out.ID))
	return Submission{ProviderTaskID: out.ID}, nil
}

func (a *AI302) QueryStatus(ctx context.Context, providerTaskID string) (Status, error) {
	q := url.Values{"id": {providerTaskID}}
	req, err := http.NewRequest(http.MethodGet, a.baseURL+fetchPath+"?"+q.Encode(), nil)
	if err != nil {
		return Status{}, fmt.Errorf("create request: %w", err)
	}
	a.authorize(req)

	var out ai302Response
	if err := do(ctx, a.http, a.log, AI302Name, req, &out); err != nil {
		return Status{}, err
	}
	switch {
	case out.CompletedAt != "" && out.Output != "":
		return Status{State: models.TaskStatusSucceeded, ResultURLs: []string{out.Output}}, nil
	case out.Error != "":
		return Status{State: models.TaskStatusFailed, ErrorMessage: out.Error}, nil
	case out.CompletedAt != "":
		// finished without output or error
		return Status{State: models.TaskStatusSucceeded}, nil
	default:
		return Status{State: models.TaskStatusRunning}, nil
	}
}

func (a *AI302) download(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("source request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download source: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("source image exceeds %d bytes", maxSourceBytes)
	}
	return data, nil
}

func (a *AI302) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
}

func sourceFileName(src string) string {
	if u, err := url.Parse(src); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return "image.jpg"
}
