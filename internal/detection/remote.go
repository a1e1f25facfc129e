package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"recognize-backend/pkg/models"

	"github.com/go-resty/resty/v2"
)

// Endpoint layout of the detector sidecar, one route per category.
var detectorPaths = map[models.Category]string{
	models.FaceImage:   "/detect/face/image",
	models.FaceVideo:   "/detect/face/video",
	models.ObjectImage: "/detect/object/image",
	models.ObjectVideo: "/detect/object/video",
}

type detectRequest struct {
	InputPath     string  `json:"input_path"`
	FrameInterval int     `json:"frame_interval,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

type detectErrorResponse struct {
	Error string `json:"error"`
}

// RemoteDetector invokes the detection sidecar over HTTP. The sidecar
// shares the worker's scratch volume, so inputs are passed by path. The
// response body is the result payload, stored and returned to pollers
// verbatim.
type RemoteDetector struct {
	client   *resty.Client
	category models.Category
	path     string
}

var _ Handler = (*RemoteDetector)(nil)

func NewRemoteDetector(baseURL string, category models.Category, timeout time.Duration) (*RemoteDetector, error) {
	path, ok := detectorPaths[category]
	if !ok {
		return nil, fmt.Errorf("no detector endpoint for category %q", category)
	}

	client := resty.New().SetBaseURL(baseURL)
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return &RemoteDetector{
		client:   client,
		category: category,
		path:     path,
	}, nil
}

func (d *RemoteDetector) Handle(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
	req := detectRequest{
		InputPath:  inputPath,
		Confidence: params.Confidence,
	}
	if d.category.IsVideo() {
		req.FrameInterval = params.FrameInterval
	}

	res, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(d.path)
	if err != nil {
		return nil, fmt.Errorf("detector request for %s failed: %w", d.category, err)
	}

	if res.IsError() {
		var detectErr detectErrorResponse
		if err := json.Unmarshal(res.Body(), &detectErr); err == nil && detectErr.Error != "" {
			return nil, fmt.Errorf("detection failed: %s", detectErr.Error)
		}
		return nil, fmt.Errorf("detector returned status %d for %s", res.StatusCode(), d.category)
	}

	body := res.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("detector returned malformed result for %s", d.category)
	}

	return json.RawMessage(body), nil
}
