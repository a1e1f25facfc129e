package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"recognize-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueForCategory(t *testing.T) {
	expected := map[models.Category]string{
		models.FaceImage:   FaceImageQueue,
		models.FaceVideo:   FaceVideoQueue,
		models.ObjectImage: ObjectImageQueue,
		models.ObjectVideo: ObjectVideoQueue,
	}

	for category, queue := range expected {
		got, err := QueueForCategory(category)
		require.NoError(t, err)
		assert.Equal(t, queue, got)
	}

	_, err := QueueForCategory(models.Category("license-plate"))
	assert.Error(t, err)
}

func TestEveryCategoryHasQueue(t *testing.T) {
	for _, category := range models.Categories() {
		_, err := QueueForCategory(category)
		assert.NoError(t, err, "category %s has no queue", category)
	}
	assert.Len(t, AllQueues(), len(models.Categories()))
}

func TestInMemoryQueueRoundtrip(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	payload := DetectionTaskPayload{
		TaskId:   uuid.New(),
		Category: models.FaceVideo,
		InputRef: "uploads/clip.mp4",
		Params:   models.DetectionParams{FrameInterval: 10, Confidence: 0.5},
	}
	require.NoError(t, queue.PublishDetectionTask(context.Background(), payload))

	stats, err := queue.QueueStats(context.Background(), FaceVideoQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Depth)

	task := <-queue.Tasks()
	assert.Equal(t, FaceVideoQueue, task.Type())

	var got DetectionTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &got))
	assert.Equal(t, payload, got)

	require.NoError(t, task.Ack())

	stats, err = queue.QueueStats(context.Background(), FaceVideoQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
}

func TestInMemoryQueueSettleOnce(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	require.NoError(t, queue.PublishDetectionTask(context.Background(), DetectionTaskPayload{
		TaskId:   uuid.New(),
		Category: models.ObjectImage,
		InputRef: "uploads/a.jpg",
	}))

	task := <-queue.Tasks()
	require.NoError(t, task.Ack())
	require.NoError(t, task.Ack())
	require.NoError(t, task.Reject())

	stats, err := queue.QueueStats(context.Background(), ObjectImageQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Depth)
}
