package messaging

import (
	"context"
	"fmt"
	"time"

	"recognize-backend/pkg/models"

	"github.com/google/uuid"
)

const (
	FaceImageQueue   = "face_image_queue"
	FaceVideoQueue   = "face_video_queue"
	ObjectImageQueue = "object_image_queue"
	ObjectVideoQueue = "object_video_queue"

	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

// Category to queue routing is a fixed enumerated mapping, checked at
// startup. There is no pattern based routing.
var categoryQueues = map[models.Category]string{
	models.FaceImage:   FaceImageQueue,
	models.FaceVideo:   FaceVideoQueue,
	models.ObjectImage: ObjectImageQueue,
	models.ObjectVideo: ObjectVideoQueue,
}

func QueueForCategory(category models.Category) (string, error) {
	queue, ok := categoryQueues[category]
	if !ok {
		return "", fmt.Errorf("no queue configured for category %q", category)
	}
	return queue, nil
}

func AllQueues() []string {
	queues := make([]string, 0, len(categoryQueues))
	for _, category := range models.Categories() {
		queues = append(queues, categoryQueues[category])
	}
	return queues
}

// DetectionTaskPayload is the message published per submission. It carries
// everything a worker needs so that a task can be re-dispatched from the
// record alone.
type DetectionTaskPayload struct {
	TaskId   uuid.UUID              `json:"task_id"`
	Category models.Category        `json:"category"`
	InputRef string                 `json:"input_ref"`
	Params   models.DetectionParams `json:"params"`
}

type Task interface {
	Type() string

	Payload() []byte

	// Ack removes the message from the queue.
	Ack() error

	// Nack returns the message for redelivery (transient failures).
	Nack() error

	// Reject discards the message without redelivery (malformed payloads).
	Reject() error
}

type Publisher interface {
	PublishDetectionTask(ctx context.Context, payload DetectionTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}

type QueueStats struct {
	Depth     int
	Consumers int
}

// QueueInspector is the read-only monitoring surface over the broker.
type QueueInspector interface {
	QueueStats(ctx context.Context, queue string) (QueueStats, error)
}
