package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/colorlab/backend/internal/models"
)

const (
	DashScopeName = "dashscope"

	imageEditModel     = "wanx2.1-imageedit"
	videoModel         = "wanx2.1-i2v-turbo"
	imageEditPath      = "/api/v1/services/aigc/image2image/image-synthesis"
	videoSynthesisPath = "/api/v1/services/aigc/video-generation/video-synthesis"
	taskQueryPath      = "/api/v1/tasks/"

	defaultVideoPrompt     = "make the picture move naturally"
	defaultVideoResolution = "720P"

	featureVideoSynthesis = "video_synthesis"
	featureLivePortrait   = "liveportrait_animation"
	featureEmojiAnimation = "emoji_animation"
)

// DashScopeImageFeatures are the image edit functions of wanx2.1-imageedit.
var DashScopeImageFeatures = []string{
	"stylization_all",
	"stylization_local",
	"description_edit",
	"description_edit_with_mask",
	"remove_watermark",
	"expand",
	"super_resolution",
	"doodle",
	"control_cartoon_feature",
}

// DashScopeVideoFeatures run on the image-to-video models. The portrait
// animations check the face in the source image before anything is charged.
var DashScopeVideoFeatures = []string{featureVideoSynthesis, featureLivePortrait, featureEmojiAnimation}

// imageParamKeys are forwarded verbatim into "parameters".
var imageParamKeys = []string{
	"top_scale", "bottom_scale", "left_scale", "right_scale",
	"upscale_factor", "is_sketch", "strength", "n", "seed", "watermark",
}

// DashScope is the async task API client.
type DashScope struct {
	apiKey  string
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewDashScope(apiKey, baseURL string, timeout time.Duration, log *zap.Logger) *DashScope {
	if log == nil {
		log = zap.NewNop()
	}
	return &DashScope{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With(zap.String("provider", DashScopeName)),
	}
}

func (d *DashScope) Name() string { return DashScopeName }

type dashScopeTaskResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		// Results is a list of images for image edits and a single object
		// for LivePortrait.
		Results  json.RawMessage `json:"results"`
		VideoURL string          `json:"video_url"`
		Code     string          `json:"code"`
		Message  string          `json:"message"`
	} `json:"output"`
}

func (r *dashScopeTaskResponse) resultURLs() []string {
	var urls []string
	raw := bytes.TrimSpace(r.Output.Results)
	switch {
	case len(raw) > 0 && raw[0] == '[':
		var list []struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, item := range list {
				if item.URL != "" {
					urls = append(urls, item.URL)
				}
			}
		}
	case len(raw) > 0 && raw[0] == '{':
		var obj struct {
			VideoURL string `json:"video_url"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.VideoURL != "" {
			urls = append(urls, obj.VideoURL)
		}
	}
	if r.Output.VideoURL != "" {
		urls = append(urls, r.Output.VideoURL)
	}
	return urls
}

func (d *DashScope) Submit(ctx context.Context, in Input) (Submission, error) {
	var path string
	var payload map[string]any
	switch in.Feature {
	case featureVideoSynthesis:
		path, payload = videoSynthesisPath, videoPayload(in)
	case featureLivePortrait:
		path, payload = animationPath, livePortraitPayload(in)
	case featureEmojiAnimation:
		if _, ok := in.Params[paramFaceBBox]; !ok {
			found, err := d.Precheck(ctx, in)
			if err != nil {
				return Submission{}, err
			}
			in.Params = mergeParams(in.Params, found)
		}
		path, payload = emojiVideoPath, emojiPayload(in)
	default:
		path, payload = imageEditPath, imageEditPayload(in)
	}

	req, err := newJSONRequest(http.MethodPost, d.baseURL+path, payload)
	if err != nil {
		return Submission{}, err
	}
	d.authorize(req)
	req.Header.Set("X-DashScope-Async", "enable")

	var out dashScopeTaskResponse
	if err := do(ctx, d.http, d.log, DashScopeName, req, &out); err != nil {
		return Submission{}, err
	}
	if out.Output.TaskID == "" {
		return Submission{}, &Error{Provider: DashScopeName, StatusCode: http.StatusOK, Message: "response carried no task id"}
	}
	d.log.Info("task submitted",
		zap.String("feature", in.Feature),
		zap.String("provider_task_id", out.Output.TaskID),
		zap.String("request_id", out.RequestID),
	)
	return Submission{ProviderTaskID: out.Output.TaskID}, nil
}

func imageEditPayload(in Input) map[string]any {
	input := map[string]any{
		"function":       in.Feature,
		"base_image_url": in.SourceMediaURL,
		"prompt":         stringParam(in.Params, "prompt"),
	}
	if mask := stringParam(in.Params, "mask_image_url"); mask != "" && in.Feature == "description_edit_with_mask" {
		input["mask_image_url"] = mask
	}
	params := map[string]any{}
	for _, k := range imageParamKeys {
		if v, ok := in.Params[k]; ok {
			params[k] = v
		}
	}
	return map[string]any{"model": imageEditModel, "input": input, "parameters": params}
}

func videoPayload(in Input) map[string]any {
	prompt := stringParam(in.Params, "prompt")
	if prompt == "" {
		prompt = defaultVideoPrompt
	}
	resolution := stringParam(in.Params, "resolution")
	if resolution == "" {
		resolution = defaultVideoResolution
	}
	return map[string]any{
		"model": videoModel,
		"input": map[string]any{"prompt": prompt, "img_url": in.SourceMediaURL},
		"parameters": map[string]any{
			"resolution":    resolution,
			"prompt_extend": true,
		},
	}
}

func (d *DashScope) QueryStatus(ctx context.Context, providerTaskID string) (Status, error) {
	req, err := newJSONRequest(http.MethodGet, d.baseURL+taskQueryPath+providerTaskID, nil)
	if err != nil {
		return Status{}, err
	}
	d.authorize(req)

	var out dashScopeTaskResponse
	if err := do(ctx, d.http, d.log, DashScopeName, req, &out); err != nil {
		return Status{}, err
	}

	st := Status{State: mapDashScopeStatus(out.Output.TaskStatus)}
	switch st.State {
	case models.TaskStatusSucceeded:
		st.ResultURLs = out.resultURLs()
	case models.TaskStatusFailed:
		st.ErrorCode = out.Output.Code
		st.ErrorMessage = out.Output.Message
		if st.ErrorMessage == "" {
			st.ErrorMessage = fmt.Sprintf("task %s", strings.ToLower(out.Output.TaskStatus))
		}
	}
	return st, nil
}

// mapDashScopeStatus folds PENDING/RUNNING/SUSPENDED into RUNNING and
// FAILED/CANCELED/UNKNOWN into FAILED.
func mapDashScopeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "SUCCEEDED":
		return models.TaskStatusSucceeded
	case "PENDING", "RUNNING", "SUSPENDED":
		return models.TaskStatusRunning
	default:
		return models.TaskStatusFailed
	}
}

func (d *DashScope) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
