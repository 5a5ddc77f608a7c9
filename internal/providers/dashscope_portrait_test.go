package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/colorlab/backend/internal/models"
)

// portraitServer answers face-detect with detect and records every request body.
type portraitServer struct {
	mu     sync.Mutex
	detect string
	paths  []string
	bodies []map[string]any
}

func (s *portraitServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.bodies = append(s.bodies, body)
	s.mu.Unlock()
	if r.URL.Path == faceDetectPath {
		_, _ = w.Write([]byte(s.detect))
		return
	}
	if r.Header.Get("X-DashScope-Async") != "enable" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, _ = w.Write([]byte(`{"output":{"task_id":"anim-1","task_status":"PENDING"}}`))
}

func TestDashScope_PrecheckLivePortrait(t *testing.T) {
	cases := []struct {
		detect string
		reject bool
	}{
		{`{"output":{"pass":true,"message":"success"}}`, false},
		{`{"output":{"pass":false,"message":"The input image has no human body or multi human bodies."}}`, true},
	}
	for _, tc := range cases {
		ps := &portraitServer{detect: tc.detect}
		srv := httptest.NewServer(ps)
		d := NewDashScope("k", srv.URL, 5*time.Second, nil)
		found, err := d.Precheck(context.Background(), Input{Feature: featureLivePortrait, SourceMediaURL: "https://cdn.example/p.jpg"})
		srv.Close()

		if tc.reject != errors.Is(err, ErrInputRejected) {
			t.Errorf("%s: got %v", tc.detect, err)
		}
		if !tc.reject && (err != nil || found != nil) {
			t.Errorf("%s: got (%v, %v)", tc.detect, found, err)
		}
		if len(ps.bodies) != 1 || ps.bodies[0]["model"] != livePortraitDetectModel {
			t.Errorf("detect request: %v", ps.bodies)
		}
	}
}

func TestDashScope_PrecheckEmojiReturnsBoxes(t *testing.T) {
	ps := &portraitServer{detect: `{"request_id":"r","output":{"bbox_face":[212,194,460,441],"ext_bbox_face":[71,9,617,555]}}`}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	found, err := d.Precheck(context.Background(), Input{Feature: featureEmojiAnimation, SourceMediaURL: "https://cdn.example/f.jpg"})
	if err != nil {
		t.Fatalf("Precheck: %v", err)
	}
	if !reflect.DeepEqual(found[paramFaceBBox], []int{212, 194, 460, 441}) || !reflect.DeepEqual(found[paramExtBBox], []int{71, 9, 617, 555}) {
		t.Errorf("boxes: %v", found)
	}
	body := ps.bodies[0]
	if body["model"] != emojiDetectModel || body["parameters"].(map[string]any)["ratio"] != emojiRatio {
		t.Errorf("detect request: %v", body)
	}
}

func TestDashScope_PrecheckEmojiRejectsWithoutFace(t *testing.T) {
	for _, detect := range []string{
		`{"output":{"code":"InvalidImage.NoHumanFace","message":"No human face detected."}}`,
		`{"output":{"bbox_face":[1,2,3,4]}}`,
	} {
		srv := httptest.NewServer(&portraitServer{detect: detect})
		_, err := NewDashScope("k", srv.URL, 5*time.Second, nil).Precheck(context.Background(), Input{Feature: featureEmojiAnimation})
		srv.Close()
		if !errors.Is(err, ErrInputRejected) {
			t.Errorf("%s: got %v, want ErrInputRejected", detect, err)
		}
	}
}

func TestDashScope_PrecheckOtherFeaturesSkipDetection(t *testing.T) {
	ps := &portraitServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	found, err := NewDashScope("k", srv.URL, time.Second, nil).Precheck(context.Background(), Input{Feature: "expand"})
	if err != nil || found != nil || len(ps.paths) != 0 {
		t.Errorf("got (%v, %v) after %d requests", found, err, len(ps.paths))
	}
}

func TestDashScope_PrecheckServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewDashScope("k", srv.URL, time.Second, nil).Precheck(context.Background(), Input{Feature: featureLivePortrait})
	var pe *Error
	if errors.Is(err, ErrInputRejected) || !errors.As(err, &pe) || !pe.Retryable() {
		t.Fatalf("got %v, want retryable *Error", err)
	}
}

func TestDashScope_SubmitLivePortrait(t *testing.T) {
	ps := &portraitServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	sub, err := d.Submit(context.Background(), Input{
		Feature:        featureLivePortrait,
		SourceMediaURL: "https://cdn.example/p.jpg",
		Params:         map[string]any{"audio_url": "https://cdn.example/a.mp3", "template_id": "calm", "prompt": "ignored"},
	})
	if err != nil || sub.ProviderTaskID != "anim-1" {
		t.Fatalf("Submit: %+v %v", sub, err)
	}
	if len(ps.paths) != 1 || ps.paths[0] != animationPath {
		t.Fatalf("paths: %v", ps.paths)
	}
	body := ps.bodies[0]
	input := body["input"].(map[string]any)
	if body["model"] != livePortraitModel || input["image_url"] != "https://cdn.example/p.jpg" || input["audio_url"] != "https://cdn.example/a.mp3" {
		t.Errorf("payload: %v", body)
	}
	params := body["parameters"].(map[string]any)
	if params["template_id"] != "calm" || params["prompt"] != nil {
		t.Errorf("parameters: %v", params)
	}
}

func TestDashScope_SubmitEmojiUsesPrecheckedBoxes(t *testing.T) {
	ps := &portraitServer{}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	_, err := d.Submit(context.Background(), Input{
		Feature:        featureEmojiAnimation,
		SourceMediaURL: "https://cdn.example/f.jpg",
		Params:         map[string]any{"driven_id": "mengwa_kaixin", paramFaceBBox: []int{1, 2, 3, 4}, paramExtBBox: []int{0, 0, 9, 9}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ps.paths) != 1 || ps.paths[0] != emojiVideoPath {
		t.Fatalf("boxes were given, no detection expected: %v", ps.paths)
	}
	input := ps.bodies[0]["input"].(map[string]any)
	if ps.bodies[0]["model"] != emojiModel || input["driven_id"] != "mengwa_kaixin" {
		t.Errorf("payload: %v", ps.bodies[0])
	}
	if !reflect.DeepEqual(input["face_bbox"], []any{1.0, 2.0, 3.0, 4.0}) {
		t.Errorf("face_bbox: %v", input["face_bbox"])
	}
}

func TestDashScope_SubmitEmojiDetectsWhenBoxesMissing(t *testing.T) {
	ps := &portraitServer{detect: `{"output":{"bbox_face":[5,5,6,6],"ext_bbox_face":[0,0,10,10]}}`}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	d := NewDashScope("k", srv.URL, 5*time.Second, nil)
	if _, err := d.Submit(context.Background(), Input{Feature: featureEmojiAnimation, Params: map[string]any{"driven_id": "d"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !reflect.DeepEqual(ps.paths, []string{faceDetectPath, emojiVideoPath}) {
		t.Fatalf("paths: %v", ps.paths)
	}
	input := ps.bodies[1]["input"].(map[string]any)
	if !reflect.DeepEqual(input["ext_bbox"], []any{0.0, 0.0, 10.0, 10.0}) {
		t.Errorf("ext_bbox: %v", input["ext_bbox"])
	}
}

func TestDashScope_QueryLivePortraitResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":{"task_status":"SUCCEEDED","results":{"video_url":"https://p/lp.mp4"}}}`))
	}))
	defer srv.Close()

	st, err := NewDashScope("k", srv.URL, time.Second, nil).QueryStatus(context.Background(), "anim-1")
	if err != nil {
		t.Fatal(err)
	}
	want := Status{State: models.TaskStatusSucceeded, ResultURLs: []string{"https://p/lp.mp4"}}
	if !reflect.DeepEqual(st, want) {
		t.Errorf("got %+v want %+v", st, want)
	}
}
