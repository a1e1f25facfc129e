package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"recognize-backend/internal/database"
	"recognize-backend/internal/dispatch"
	"recognize-backend/internal/messaging"
	"recognize-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}

	return db
}

type failingPublisher struct{}

func (p *failingPublisher) PublishDetectionTask(ctx context.Context, payload messaging.DetectionTaskPayload) error {
	return errors.New("broker unavailable")
}

func (p *failingPublisher) Close() {}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	gateway := dispatch.NewGateway(db, queue)

	taskId, err := gateway.Submit(ctx, models.FaceImage, "uploads/photo.jpg", models.DetectionParams{Confidence: 0.6})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, taskId)

	record, err := database.GetTaskRecord(ctx, db, taskId)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, database.TaskPending, record.Status)
	assert.Equal(t, "face-image", record.Category)
	assert.Equal(t, "uploads/photo.jpg", record.InputRef)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.FaceImageQueue, task.Type())

	var payload messaging.DetectionTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, taskId, payload.TaskId)
	assert.Equal(t, models.FaceImage, payload.Category)
	assert.Equal(t, "uploads/photo.jpg", payload.InputRef)
	assert.Equal(t, 0.6, payload.Params.Confidence)
}

func TestSubmitInvalidCategory(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	gateway := dispatch.NewGateway(db, queue)

	_, err := gateway.Submit(context.Background(), models.Category("license-plate"), "uploads/car.jpg", models.DetectionParams{})
	assert.ErrorIs(t, err, dispatch.ErrInvalidCategory)
}

func TestSubmitMissingInputRef(t *testing.T) {
	db := createDB(t)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	gateway := dispatch.NewGateway(db, queue)

	_, err := gateway.Submit(context.Background(), models.FaceImage, "  ", models.DetectionParams{})
	assert.ErrorIs(t, err, dispatch.ErrMissingInputRef)
}

func TestSubmitPublishFailureLeavesPendingRecord(t *testing.T) {
	ctx := context.Background()
	db := createDB(t)

	gateway := dispatch.NewGateway(db, &failingPublisher{})

	_, err := gateway.Submit(ctx, models.ObjectImage, "uploads/scene.jpg", models.DetectionParams{})
	require.Error(t, err)

	counts, err := database.CountTasksByStatus(ctx, db, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[database.TaskPending])
}

func TestStatusUnknownTask(t *testing.T) {
	db := createDB(t)
	reader := dispatch.NewStatusReader(db, 24*time.Hour)

	status, err := reader.Status(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, status.State)
	assert.Empty(t, status.Result)
	assert.Empty(t, status.Error)
}

func TestStatusExpiredTask(t *testing.T) {
	taskId := uuid.New()
	db := createDB(t, &database.TaskRecord{
		Id:           taskId,
		Category:     "face-image",
		InputRef:     "uploads/old.jpg",
		Status:       database.TaskSuccess,
		CreationTime: time.Now().UTC().Add(-48 * time.Hour),
	})
	reader := dispatch.NewStatusReader(db, 24*time.Hour)

	status, err := reader.Status(context.Background(), taskId)
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, status.State)
}

func TestStatusReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	taskId := uuid.New()
	db := createDB(t, &database.TaskRecord{
		Id:           taskId,
		Category:     "face-image",
		InputRef:     "uploads/photo.jpg",
		Status:       database.TaskSuccess,
		Result:       []byte(`{"faces_detected":2}`),
		CreationTime: time.Now().UTC(),
	})
	reader := dispatch.NewStatusReader(db, 24*time.Hour)

	for i := 0; i < 3; i++ {
		status, err := reader.Status(ctx, taskId)
		require.NoError(t, err)
		assert.Equal(t, models.StateSuccess, status.State)
		assert.JSONEq(t, `{"faces_detected":2}`, string(status.Result))
	}
}

func TestStatusFailedTask(t *testing.T) {
	taskId := uuid.New()
	db := createDB(t)
	require.NoError(t, database.CreateTaskRecord(context.Background(), db, &database.TaskRecord{
		Id:       taskId,
		Category: "object-video",
		InputRef: "uploads/clip.mp4",
	}))
	attempt, err := database.ClaimTask(context.Background(), db, taskId, "staging input")
	require.NoError(t, err)
	require.NoError(t, database.FailTask(context.Background(), db, taskId, attempt, "unreadable video"))

	reader := dispatch.NewStatusReader(db, 24*time.Hour)
	status, err := reader.Status(context.Background(), taskId)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailure, status.State)
	assert.Equal(t, "unreadable video", status.Error)
	assert.Empty(t, status.Result)
}

func TestSweeperRepublishesStalePending(t *testing.T) {
	ctx := context.Background()
	taskId := uuid.New()
	db := createDB(t, &database.TaskRecord{
		Id:           taskId,
		Category:     "face-video",
		InputRef:     "uploads/clip.mp4",
		Params:       []byte(`{"frame_interval":10}`),
		Status:       database.TaskPending,
		CreationTime: time.Now().UTC().Add(-time.Hour),
	})
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	sweeper := dispatch.NewSweeper(db, queue, time.Minute, 10*time.Minute, 24*time.Hour)
	sweeper.Sweep(ctx)

	task := <-queue.Tasks()
	assert.Equal(t, messaging.FaceVideoQueue, task.Type())

	var payload messaging.DetectionTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, taskId, payload.TaskId)
	assert.Equal(t, 10, payload.Params.FrameInterval)
}

func TestSweeperDeletesExpiredRecords(t *testing.T) {
	ctx := context.Background()
	expiredId, liveId := uuid.New(), uuid.New()
	db := createDB(t,
		&database.TaskRecord{Id: expiredId, Category: "face-image", InputRef: "a", Status: database.TaskSuccess, CreationTime: time.Now().UTC().Add(-48 * time.Hour)},
		&database.TaskRecord{Id: liveId, Category: "face-image", InputRef: "b", Status: database.TaskSuccess, CreationTime: time.Now().UTC()},
	)
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	sweeper := dispatch.NewSweeper(db, queue, time.Minute, 10*time.Minute, 24*time.Hour)
	sweeper.Sweep(ctx)

	record, err := database.GetTaskRecord(ctx, db, expiredId)
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = database.GetTaskRecord(ctx, db, liveId)
	require.NoError(t, err)
	assert.NotNil(t, record)
}
