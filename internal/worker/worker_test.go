package worker_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"recognize-backend/internal/database"
	"recognize-backend/internal/detection"
	"recognize-backend/internal/dispatch"
	"recognize-backend/internal/messaging"
	"recognize-backend/internal/storage"
	"recognize-backend/internal/worker"
	"recognize-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	db      *gorm.DB
	queue   *messaging.InMemoryQueue
	store   *storage.LocalObjectStore
	gateway *dispatch.Gateway
	engine  *worker.Engine
}

const testBucket = "uploads"

func setupEnv(t *testing.T, handlers *detection.Registry) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), testBucket))

	queue := messaging.NewInMemoryQueue()

	engine := worker.NewEngine(db, queue, store, handlers, worker.Config{
		Concurrency:  2,
		UploadBucket: testBucket,
		ScratchDir:   t.TempDir(),
	})
	engine.Start()
	t.Cleanup(engine.Stop)

	return &testEnv{
		db:      db,
		queue:   queue,
		store:   store,
		gateway: dispatch.NewGateway(db, queue),
		engine:  engine,
	}
}

func (e *testEnv) putObject(t *testing.T, key, content string) {
	require.NoError(t, e.store.PutObject(context.Background(), testBucket, key, strings.NewReader(content)))
}

func (e *testEnv) waitForTerminal(t *testing.T, taskId uuid.UUID) *database.TaskRecord {
	var record *database.TaskRecord
	require.Eventually(t, func() bool {
		var err error
		record, err = database.GetTaskRecord(context.Background(), e.db, taskId)
		return err == nil && record != nil && database.IsTerminal(record.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func staticHandler(result string) detection.HandlerFunc {
	return func(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}
}

func TestProcessTaskSuccess(t *testing.T) {
	handlers := detection.NewRegistry()
	handlers.Register(models.FaceImage, staticHandler(`{"faces_detected":3,"detections":[]}`))

	env := setupEnv(t, handlers)
	env.putObject(t, "photo.jpg", "jpeg bytes")

	taskId, err := env.gateway.Submit(context.Background(), models.FaceImage, "photo.jpg", models.DetectionParams{})
	require.NoError(t, err)

	record := env.waitForTerminal(t, taskId)
	assert.Equal(t, database.TaskSuccess, record.Status)
	assert.Equal(t, 1, record.Attempt)
	assert.JSONEq(t, `{"faces_detected":3,"detections":[]}`, string(record.Result))
	assert.False(t, record.Error.Valid)
}

func TestProcessTaskHandlerError(t *testing.T) {
	handlers := detection.NewRegistry()
	handlers.Register(models.ObjectVideo, detection.HandlerFunc(func(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
		return nil, assert.AnError
	}))

	env := setupEnv(t, handlers)
	env.putObject(t, "clip.mp4", "mp4 bytes")

	taskId, err := env.gateway.Submit(context.Background(), models.ObjectVideo, "clip.mp4", models.DetectionParams{FrameInterval: 5})
	require.NoError(t, err)

	record := env.waitForTerminal(t, taskId)
	assert.Equal(t, database.TaskFailure, record.Status)
	assert.NotEmpty(t, record.Error.String)
	assert.Empty(t, record.Result)
}

func TestProcessTaskMissingArtifact(t *testing.T) {
	handlers := detection.NewRegistry()
	handlers.Register(models.FaceImage, staticHandler(`{}`))

	env := setupEnv(t, handlers)

	taskId, err := env.gateway.Submit(context.Background(), models.FaceImage, "does-not-exist.jpg", models.DetectionParams{})
	require.NoError(t, err)

	record := env.waitForTerminal(t, taskId)
	assert.Equal(t, database.TaskFailure, record.Status)
	assert.Contains(t, record.Error.String, "does-not-exist.jpg")
}

func TestHandlerReceivesStagedInput(t *testing.T) {
	var gotPath atomic.Value
	handlers := detection.NewRegistry()
	handlers.Register(models.ObjectImage, detection.HandlerFunc(func(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
		gotPath.Store(inputPath)
		return json.RawMessage(`{"objects_detected":1}`), nil
	}))

	env := setupEnv(t, handlers)
	env.putObject(t, "scenes/street.jpg", "jpeg bytes")

	taskId, err := env.gateway.Submit(context.Background(), models.ObjectImage, "scenes/street.jpg", models.DetectionParams{Confidence: 0.4})
	require.NoError(t, err)

	record := env.waitForTerminal(t, taskId)
	require.Equal(t, database.TaskSuccess, record.Status)

	path, ok := gotPath.Load().(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(path, "street.jpg"), "handler got path %q", path)
}

func TestRedeliveredFinishedTaskProcessedOnce(t *testing.T) {
	var calls atomic.Int32
	handlers := detection.NewRegistry()
	handlers.Register(models.FaceImage, detection.HandlerFunc(func(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"faces_detected":1}`), nil
	}))

	env := setupEnv(t, handlers)
	env.putObject(t, "photo.jpg", "jpeg bytes")

	taskId, err := env.gateway.Submit(context.Background(), models.FaceImage, "photo.jpg", models.DetectionParams{})
	require.NoError(t, err)

	record := env.waitForTerminal(t, taskId)
	require.Equal(t, database.TaskSuccess, record.Status)

	// Redeliver the same message after completion; the claim reports the
	// task finished and the handler must not run again.
	require.NoError(t, env.queue.PublishDetectionTask(context.Background(), messaging.DetectionTaskPayload{
		TaskId:   taskId,
		Category: models.FaceImage,
		InputRef: "photo.jpg",
	}))

	require.Eventually(t, func() bool {
		stats, err := env.queue.QueueStats(context.Background(), messaging.FaceImageQueue)
		return err == nil && stats.Depth == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())

	record, err = database.GetTaskRecord(context.Background(), env.db, taskId)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Attempt)
}

func TestMalformedPayloadDiscarded(t *testing.T) {
	handlers := detection.NewRegistry()
	handlers.Register(models.FaceImage, staticHandler(`{}`))

	env := setupEnv(t, handlers)

	env.queue.PublishRaw(messaging.FaceImageQueue, []byte("not json"))

	require.Eventually(t, func() bool {
		stats, err := env.queue.QueueStats(context.Background(), messaging.FaceImageQueue)
		return err == nil && stats.Depth == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnservedCategoryDiscarded(t *testing.T) {
	handlers := detection.NewRegistry()
	handlers.Register(models.FaceImage, staticHandler(`{}`))

	env := setupEnv(t, handlers)
	env.putObject(t, "clip.mp4", "mp4 bytes")

	taskId, err := env.gateway.Submit(context.Background(), models.FaceVideo, "clip.mp4", models.DetectionParams{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := env.queue.QueueStats(context.Background(), messaging.FaceVideoQueue)
		return err == nil && stats.Depth == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The record stays PENDING; only a worker serving the category may
	// transition it.
	record, err := database.GetTaskRecord(context.Background(), env.db, taskId)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, database.TaskPending, record.Status)
}
