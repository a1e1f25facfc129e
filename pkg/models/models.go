package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Task states are the fixed vocabulary shared with pollers. UNKNOWN is
// only ever reported by the status endpoint, it is never stored.
type TaskState string

const (
	StatePending    TaskState = "PENDING"
	StateProcessing TaskState = "PROCESSING"
	StateSuccess    TaskState = "SUCCESS"
	StateFailure    TaskState = "FAILURE"
	StateUnknown    TaskState = "UNKNOWN"
)

type Category string

const (
	FaceImage   Category = "face-image"
	FaceVideo   Category = "face-video"
	ObjectImage Category = "object-image"
	ObjectVideo Category = "object-video"
)

func Categories() []Category {
	return []Category{FaceImage, FaceVideo, ObjectImage, ObjectVideo}
}

func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case FaceImage, FaceVideo, ObjectImage, ObjectVideo:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown detection category %q", s)
}

func (c Category) IsVideo() bool {
	return c == FaceVideo || c == ObjectVideo
}

// DetectionParams are the category specific knobs forwarded untouched to
// the detection handler. FrameInterval only applies to video categories.
type DetectionParams struct {
	FrameInterval int     `json:"frame_interval,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

type SubmitRequest struct {
	InputRef      string  `json:"input_ref"`
	FrameInterval int     `json:"frame_interval,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

type SubmitResponse struct {
	TaskId  uuid.UUID `json:"task_id"`
	State   TaskState `json:"state"`
	Message string    `json:"message"`
}

type TaskStatusResponse struct {
	TaskId       uuid.UUID       `json:"task_id"`
	State        TaskState       `json:"state"`
	ProgressNote string          `json:"progress_note,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type QueueStatus struct {
	Category  Category `json:"category"`
	Queue     string   `json:"queue"`
	Depth     int      `json:"depth"`
	Consumers int      `json:"consumers"`
}

type MonitorQueuesResponse struct {
	Queues []QueueStatus `json:"queues"`
}

type MonitorTasksRequest struct {
	Category string `schema:"category"`
}

type MonitorTasksResponse struct {
	Category string              `json:"category,omitempty"`
	Counts   map[TaskState]int64 `json:"counts"`
}

// Result payload shapes produced by the detection handlers. The core
// stores and returns these verbatim; the structs below document the
// contract and back the test fixtures.

type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Detection struct {
	Label      string      `json:"label,omitempty"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
}

type ImageDetectionResult struct {
	FacesDetected   int         `json:"faces_detected,omitempty"`
	ObjectsDetected int         `json:"objects_detected,omitempty"`
	Detections      []Detection `json:"detections,omitempty"`
}

type FrameDetections struct {
	Frame      int         `json:"frame"`
	Timestamp  float64     `json:"timestamp"`
	Detections []Detection `json:"detections,omitempty"`
}

type VideoDetectionResult struct {
	TotalFrames     int               `json:"total_frames"`
	ProcessedFrames int               `json:"processed_frames"`
	TotalDetections int               `json:"total_detections"`
	Frames          []FrameDetections `json:"frames,omitempty"`
}
