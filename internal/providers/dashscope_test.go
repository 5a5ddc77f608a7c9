package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/colorlab/backend/internal/models"
)

func TestDashScope_SubmitImageEdit(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != imageEditPath {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if r.Header.Get("X-DashScope-Async") != "enable" {
			t.Error("missing async header")
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("auth header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"request_id":"r1","output":{"task_id":"ds-123","task_status":"PENDING"}}`))
	}))
	defer srv.Close()

	d := NewDashScope("sk-test", srv.URL, 5*time.Second, nil)
	sub, err := d.Submit(context.Background(), Input{
		Feature:        "expand",
		SourceMediaURL: "https://cdn.example/in.png",
		Params:         map[string]any{"prompt": "wider", "top_scale": 1.5, "unrelated": true},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.ProviderTaskID != "ds-123" || sub.Immediate != nil {
		t.Errorf("got %+v", sub)
	}
	if got["model"] != imageEditModel {
		t.Errorf("model: %v", got["model"])
	}
	input := got["input"].(map[string]any)
	if input["function"] != "expand" || input["base_image_url"] != "https://cdn.example/in.png" {
		t.Errorf("input: %v", input)
	}
	params := got["parameters"].(map[string]any)
	if params["top_scale"] != 1.5 {
		t.Errorf("top_scale not forwarded: %v", params)
	}
	if _, ok := params["unrelated"]; ok {
		t.Error("unknown params must not be forwarded")
	}
}

func TestDashScope_SubmitVideoDefaults(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != videoSynthesisPath {
			t.Errorf("path: got %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"output":{"task_id":"v-1","task_status":"PENDING"}}`))
	}))
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	if _, err := d.Submit(context.Background(), Input{Feature: "video_synthesis", SourceMediaURL: "https://cdn.example/a.png"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	input := got["input"].(map[string]any)
	if input["prompt"] != defaultVideoPrompt || input["img_url"] != "https://cdn.example/a.png" {
		t.Errorf("input: %v", input)
	}
	params := got["parameters"].(map[string]any)
	if params["resolution"] != "720P" || params["prompt_extend"] != true {
		t.Errorf("parameters: %v", params)
	}
}

func TestDashScope_SubmitErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"InvalidParameter","message":"url error","request_id":"r2"}`))
	}))
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	_, err := d.Submit(context.Background(), Input{Feature: "expand", SourceMediaURL: "x"})
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *Error", err)
	}
	if pe.Code != "InvalidParameter" || pe.Message != "url error" || pe.Retryable() {
		t.Errorf("got %+v", pe)
	}
}

func TestDashScope_QueryStatusMapping(t *testing.T) {
	cases := []struct {
		body string
		want Status
	}{
		{`{"output":{"task_status":"RUNNING"}}`, Status{State: models.TaskStatusRunning}},
		{`{"output":{"task_status":"SUSPENDED"}}`, Status{State: models.TaskStatusRunning}},
		{`{"output":{"task_status":"PENDING"}}`, Status{State: models.TaskStatusRunning}},
		{`{"output":{"task_status":"SUCCEEDED","results":[{"url":"https://p/1.png"},{"url":""},{"url":"https://p/2.png"}]}}`,
			Status{State: models.TaskStatusSucceeded, ResultURLs: []string{"https://p/1.png", "https://p/2.png"}}},
		{`{"output":{"task_status":"SUCCEEDED","video_url":"https://p/v.mp4"}}`,
			Status{State: models.TaskStatusSucceeded, ResultURLs: []string{"https://p/v.mp4"}}},
		{`{"output":{"task_status":"SUCCEEDED","results":[]}}`, Status{State: models.TaskStatusSucceeded}},
		{`{"output":{"task_status":"FAILED","code":"DataInspectionFailed","message":"unsafe"}}`,
			Status{State: models.TaskStatusFailed, ErrorCode: "DataInspectionFailed", ErrorMessage: "unsafe"}},
		{`{"output":{"task_status":"CANCELED"}}`, Status{State: models.TaskStatusFailed, ErrorMessage: "task canceled"}},
		{`{"output":{"task_status":"UNKNOWN"}}`, Status{State: models.TaskStatusFailed, ErrorMessage: "task unknown"}},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != taskQueryPath+"ds-9" {
				t.Errorf("path: got %s", r.URL.Path)
			}
			_, _ = w.Write([]byte(tc.body))
		}))
		d := NewDashScope("k", srv.URL, 5*time.Second, nil)
		got, err := d.QueryStatus(context.Background(), "ds-9")
		srv.Close()
		if err != nil {
			t.Errorf("%s: %v", tc.body, err)
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s:\n got %+v\nwant %+v", tc.body, got, tc.want)
		}
	}
}

func TestDashScope_QueryServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewDashScope("k", srv.URL, time.Second, nil).QueryStatus(context.Background(), "x")
	var pe *Error
	if !errors.As(err, &pe) || !pe.Retryable() {
		t.Fatalf("got %v, want retryable *Error", err)
	}
}
