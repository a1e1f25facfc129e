package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"recognize-backend/internal/database"
	"recognize-backend/internal/detection"
	"recognize-backend/internal/messaging"
	"recognize-backend/internal/storage"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Config struct {
	// Concurrency caps the number of tasks processed in parallel; each slot
	// is an independent claim/process/report cycle. Defaults to NumCPU.
	Concurrency int

	// UploadBucket is where submitted artifacts live.
	UploadBucket string

	// ScratchDir receives staged artifacts; empty means the OS temp dir.
	ScratchDir string
}

// Engine drains one category queue and runs the claim → PROCESSING →
// terminal cycle per task. All shared mutable state lives in the result
// store and the broker; the slots share nothing else.
type Engine struct {
	db       *gorm.DB
	receiver messaging.Receiver
	store    storage.ObjectStore
	handlers *detection.Registry
	cfg      Config

	wg sync.WaitGroup
}

func NewEngine(db *gorm.DB, receiver messaging.Receiver, store storage.ObjectStore, handlers *detection.Registry, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.NumCPU()
		slog.Info("worker concurrency not specified, defaulting to cpu count", "concurrency", cfg.Concurrency)
	}

	return &Engine{
		db:       db,
		receiver: receiver,
		store:    store,
		handlers: handlers,
		cfg:      cfg,
	}
}

func (e *Engine) Start() {
	slog.Info("starting worker slots", "concurrency", e.cfg.Concurrency)

	e.wg.Add(e.cfg.Concurrency)
	for i := 0; i < e.cfg.Concurrency; i++ {
		go func(slot int) {
			defer e.wg.Done()
			for task := range e.receiver.Tasks() {
				e.processTask(context.Background(), slot, task)
			}
		}(i)
	}
}

// Stop closes the receiver and waits for in-flight tasks to finish.
func (e *Engine) Stop() {
	e.receiver.Close()
	e.wg.Wait()
}

func (e *Engine) processTask(ctx context.Context, slot int, task messaging.Task) {
	var payload messaging.DetectionTaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("discarding malformed task payload", "queue", task.Type(), "error", err)
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting task", "error", err)
		}
		return
	}

	log := slog.With("task_id", payload.TaskId, "category", payload.Category, "slot", slot)

	handler, err := e.handlers.Handler(payload.Category)
	if err != nil {
		log.Error("discarding task for unserved category", "error", err)
		if err := task.Reject(); err != nil {
			log.Error("error rejecting task", "error", err)
		}
		return
	}

	attempt, err := database.ClaimTask(ctx, e.db, payload.TaskId, "staging input")
	switch {
	case errors.Is(err, database.ErrTaskFinished):
		// Redelivery of an already finished task; processing again would
		// only produce a stale write, so drop the message.
		log.Info("redelivered task is already finished, acknowledging")
		e.ack(task, log)
		return
	case errors.Is(err, database.ErrTaskNotFound):
		log.Warn("no record for queued task, discarding")
		if err := task.Reject(); err != nil {
			log.Error("error rejecting task", "error", err)
		}
		return
	case err != nil:
		// Result store unreachable; requeue so another worker retries.
		log.Error("failed to claim task", "error", err)
		if err := task.Nack(); err != nil {
			log.Error("error nacking task", "error", err)
		}
		return
	}

	log = log.With("attempt", attempt)
	log.Info("claimed task")

	inputPath, cleanup, err := e.stageInput(ctx, payload)
	if err != nil {
		// A missing or unreadable artifact is deterministic; record the
		// failure instead of redelivering.
		log.Warn("failed to stage input artifact", "input_ref", payload.InputRef, "error", err)
		e.finish(ctx, task, log, func() error {
			return database.FailTask(ctx, e.db, payload.TaskId, attempt, fmt.Sprintf("failed to stage input %q: %v", payload.InputRef, err))
		})
		return
	}
	defer cleanup()

	if err := database.UpdateTaskProgress(ctx, e.db, payload.TaskId, attempt, "running detection"); err != nil {
		log.Warn("failed to update progress note", "error", err)
	}

	result, err := handler.Handle(ctx, inputPath, payload.Params)
	if err != nil {
		log.Warn("detection handler failed", "error", err)
		e.finish(ctx, task, log, func() error {
			return database.FailTask(ctx, e.db, payload.TaskId, attempt, err.Error())
		})
		return
	}

	e.finish(ctx, task, log, func() error {
		return database.CompleteTask(ctx, e.db, payload.TaskId, attempt, datatypes.JSON(result))
	})
}

// finish writes the terminal state and settles the message. A stale attempt
// means a redelivered run owns the record now; the message is still Acked
// since that run will produce its own terminal write.
func (e *Engine) finish(ctx context.Context, task messaging.Task, log *slog.Logger, write func() error) {
	if err := write(); err != nil {
		if errors.Is(err, database.ErrStaleAttempt) {
			log.Warn("dropping result from superseded attempt")
			e.ack(task, log)
			return
		}
		log.Error("failed to write terminal task state", "error", err)
		if err := task.Nack(); err != nil {
			log.Error("error nacking task", "error", err)
		}
		return
	}

	log.Info("task finished")
	e.ack(task, log)
}

func (e *Engine) ack(task messaging.Task, log *slog.Logger) {
	if err := task.Ack(); err != nil {
		log.Error("error acknowledging task", "error", err)
	}
}

// stageInput downloads the artifact into a per-task scratch directory and
// returns the local path the handler should read. The returned cleanup
// removes the directory.
func (e *Engine) stageInput(ctx context.Context, payload messaging.DetectionTaskPayload) (string, func(), error) {
	tempDir, err := os.MkdirTemp(e.cfg.ScratchDir, fmt.Sprintf("task-%s-*", payload.TaskId))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	dest := filepath.Join(tempDir, filepath.Base(payload.InputRef))
	if err := e.store.DownloadObject(ctx, e.cfg.UploadBucket, payload.InputRef, dest); err != nil {
		cleanup()
		return "", nil, err
	}

	return dest, cleanup, nil
}
