package providers

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const (
	livePortraitModel       = "liveportrait"
	livePortraitDetectModel = "liveportrait-detect"
	emojiModel              = "emoji-v1"
	emojiDetectModel        = "emoji-detect-v1"

	faceDetectPath = "/api/v1/services/aigc/image2video/face-detect"
	animationPath  = "/api/v1/services/aigc/image2video/video-synthesis/"
	emojiVideoPath = "/api/v1/services/aigc/image2video/video-synthesis"

	// emoji animation only animates a square head crop
	emojiRatio = "1:1"

	paramFaceBBox = "face_bbox"
	paramExtBBox  = "ext_bbox"
)

var _ Prechecker = (*DashScope)(nil)

// livePortraitParamKeys are forwarded verbatim into "parameters".
var livePortraitParamKeys = []string{
	"template_id", "eye_move_freq", "video_fps", "mouth_move_strength", "paste_back", "head_move_strength",
}

type faceDetectResponse struct {
	RequestID string `json:"request_id"`
	Output    struct {
		// liveportrait-detect
		Pass bool `json:"pass"`
		// emoji-detect-v1
		BBoxFace    []int  `json:"bbox_face"`
		ExtBBoxFace []int  `json:"ext_bbox_face"`
		Code        string `json:"code"`
		Message     string `json:"message"`
	} `json:"output"`
}

// Precheck runs the face detection the portrait animations need. It returns
// ErrInputRejected when the source image has no usable face, and for emoji
// animation the face and motion boxes the submission must carry. Other
// features pass without a request.
func (d *DashScope) Precheck(ctx context.Context, in Input) (map[string]any, error) {
	switch in.Feature {
	case featureLivePortrait:
		out, err := d.detectFace(ctx, livePortraitDetectModel, in.SourceMediaURL, nil)
		if err != nil {
			return nil, err
		}
		if !out.Output.Pass {
			return nil, rejected(out.Output.Code, out.Output.Message, "no usable portrait in image")
		}
		return nil, nil
	case featureEmojiAnimation:
		out, err := d.detectFace(ctx, emojiDetectModel, in.SourceMediaURL, map[string]any{"ratio": emojiRatio})
		if err != nil {
			return nil, err
		}
		if out.Output.Code != "" || len(out.Output.BBoxFace) == 0 || len(out.Output.ExtBBoxFace) == 0 {
			return nil, rejected(out.Output.Code, out.Output.Message, "no usable face in image")
		}
		return map[string]any{paramFaceBBox: out.Output.BBoxFace, paramExtBBox: out.Output.ExtBBoxFace}, nil
	default:
		return nil, nil
	}
}

func (d *DashScope) detectFace(ctx context.Context, model, imageURL string, params map[string]any) (*faceDetectResponse, error) {
	payload := map[string]any{"model": model, "input": map[string]any{"image_url": imageURL}}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	req, err := newJSONRequest(http.MethodPost, d.baseURL+faceDetectPath, payload)
	if err != nil {
		return nil, err
	}
	d.authorize(req)

	var out faceDetectResponse
	if err := do(ctx, d.http, d.log, DashScopeName, req, &out); err != nil {
		return nil, err
	}
	d.log.Debug("face detected",
		zap.String("model", model),
		zap.String("request_id", out.RequestID),
		zap.Bool("pass", out.Output.Pass),
		zap.String("code", out.Output.Code),
	)
	return &out, nil
}

func rejected(code, message, fallback string) error {
	if message == "" {
		message = fallback
	}
	if code != "" {
		return fmt.Errorf("%w: %s (%s)", ErrInputRejected, message, code)
	}
	return fmt.Errorf("%w: %s", ErrInputRejected, message)
}

func livePortraitPayload(in Input) map[string]any {
	payload := map[string]any{
		"model": livePortraitModel,
		"input": map[string]any{
			"image_url": in.SourceMediaURL,
			"audio_url": stringParam(in.Params, "audio_url"),
		},
	}
	params := map[string]any{}
	for _, k := range livePortraitParamKeys {
		if v, ok := in.Params[k]; ok {
			params[k] = v
		}
	}
	if len(params) > 0 {
		payload["parameters"] = params
	}
	return payload
}

func emojiPayload(in Input) map[string]any {
	return map[string]any{
		"model": emojiModel,
		"input": map[string]any{
			"image_url": in.SourceMediaURL,
			"driven_id": stringParam(in.Params, "driven_id"),
			"face_bbox": in.Params[paramFaceBBox],
			"ext_bbox":  in.Params[paramExtBBox],
		},
	}
}

func mergeParams(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
