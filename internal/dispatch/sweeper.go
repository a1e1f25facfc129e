package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"recognize-backend/internal/database"
	"recognize-backend/internal/messaging"
	"recognize-backend/pkg/models"

	"gorm.io/gorm"
)

const staleBatchSize = 100

// Sweeper reconciles the two anomalies the gateway tolerates: PENDING
// records whose publish never landed are republished, and records past the
// retention window are deleted. Republishing can duplicate a message that
// is still queued; workers tolerate that under the at-least-once model.
type Sweeper struct {
	db        *gorm.DB
	publisher messaging.Publisher

	interval   time.Duration
	pendingAge time.Duration
	retention  time.Duration
}

func NewSweeper(db *gorm.DB, publisher messaging.Publisher, interval, pendingAge, retention time.Duration) *Sweeper {
	return &Sweeper{
		db:         db,
		publisher:  publisher,
		interval:   interval,
		pendingAge: pendingAge,
		retention:  retention,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.retention > 0 {
		deleted, err := database.DeleteExpiredTasks(ctx, s.db, time.Now().UTC().Add(-s.retention))
		if err != nil {
			slog.Error("failed to delete expired task records", "error", err)
		} else if deleted > 0 {
			slog.Info("deleted expired task records", "count", deleted)
		}
	}

	if s.pendingAge <= 0 {
		return
	}

	stale, err := database.ListStalePendingTasks(ctx, s.db, time.Now().UTC().Add(-s.pendingAge), staleBatchSize)
	if err != nil {
		slog.Error("failed to list stale pending tasks", "error", err)
		return
	}

	for _, record := range stale {
		category, err := models.ParseCategory(record.Category)
		if err != nil {
			slog.Error("stale pending record has unknown category", "task_id", record.Id, "category", record.Category)
			continue
		}

		var params models.DetectionParams
		if len(record.Params) > 0 {
			if err := json.Unmarshal(record.Params, &params); err != nil {
				slog.Error("failed to decode stored detection params", "task_id", record.Id, "error", err)
				continue
			}
		}

		payload := messaging.DetectionTaskPayload{
			TaskId:   record.Id,
			Category: category,
			InputRef: record.InputRef,
			Params:   params,
		}

		if err := s.publisher.PublishDetectionTask(ctx, payload); err != nil {
			slog.Error("failed to republish stale pending task", "task_id", record.Id, "error", err)
			continue
		}
		slog.Info("republished stale pending task", "task_id", record.Id, "category", category)
	}
}
