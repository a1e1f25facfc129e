package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errors.New("task record not found")
	ErrTaskFinished = errors.New("task record is already in a terminal state")
	ErrStaleAttempt = errors.New("task attempt has been superseded")
)

func CreateTaskRecord(ctx context.Context, db *gorm.DB, record *TaskRecord) error {
	now := time.Now().UTC()
	record.Status = TaskPending
	record.CreationTime = now
	record.UpdateTime = now

	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		slog.Error("error creating task record", "task_id", record.Id, "error", err)
		return fmt.Errorf("failed to create task record: %w", err)
	}
	return nil
}

// ClaimTask transitions a record to PROCESSING and bumps the attempt
// counter, returning the attempt the caller now owns. Terminal records are
// never reclaimed, so a redelivered message for a finished task surfaces as
// ErrTaskFinished. Two overlapping claims may read the same attempt value;
// that is harmless because terminal writes below additionally require the
// record to still be PROCESSING, which can only hold for one of them.
func ClaimTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, note string) (int, error) {
	res := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status IN ?", taskId, []string{TaskPending, TaskProcessing}).
		Updates(map[string]any{
			"status":        TaskProcessing,
			"attempt":       gorm.Expr("attempt + 1"),
			"progress_note": note,
			"update_time":   time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to claim task %s: %w", taskId, res.Error)
	}

	var record TaskRecord
	if err := db.WithContext(ctx).First(&record, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrTaskNotFound
		}
		return 0, fmt.Errorf("failed to read task %s after claim: %w", taskId, err)
	}

	if res.RowsAffected == 0 {
		if IsTerminal(record.Status) {
			return 0, ErrTaskFinished
		}
		return 0, fmt.Errorf("failed to claim task %s in status %s", taskId, record.Status)
	}

	return record.Attempt, nil
}

// UpdateTaskProgress writes an intermediate progress note for the given
// attempt. Stale attempts are rejected silently; progress notes are
// best-effort.
func UpdateTaskProgress(ctx context.Context, db *gorm.DB, taskId uuid.UUID, attempt int, note string) error {
	res := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status = ? AND attempt = ?", taskId, TaskProcessing, attempt).
		Updates(map[string]any{
			"progress_note": note,
			"update_time":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update progress for task %s: %w", taskId, res.Error)
	}
	return nil
}

func CompleteTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, attempt int, result datatypes.JSON) error {
	return finishTask(ctx, db, taskId, attempt, map[string]any{
		"status": TaskSuccess,
		"result": result,
	})
}

func FailTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, attempt int, errorMessage string) error {
	return finishTask(ctx, db, taskId, attempt, map[string]any{
		"status": TaskFailure,
		"error":  errorMessage,
	})
}

func finishTask(ctx context.Context, db *gorm.DB, taskId uuid.UUID, attempt int, updates map[string]any) error {
	now := time.Now().UTC()
	updates["update_time"] = now
	updates["completion_time"] = sql.NullTime{Time: now, Valid: true}

	res := db.WithContext(ctx).Model(&TaskRecord{}).
		Where("id = ? AND status = ? AND attempt = ?", taskId, TaskProcessing, attempt).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskId, res.Error)
	}
	if res.RowsAffected == 0 {
		// Either a newer attempt claimed the task or it already reached a
		// terminal state; the caller's result is stale and must be dropped.
		return ErrStaleAttempt
	}
	return nil
}

// GetTaskRecord returns nil, nil when no record exists for the id.
func GetTaskRecord(ctx context.Context, db *gorm.DB, taskId uuid.UUID) (*TaskRecord, error) {
	var record TaskRecord
	if err := db.WithContext(ctx).First(&record, "id = ?", taskId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task record %s: %w", taskId, err)
	}
	return &record, nil
}

func CountTasksByStatus(ctx context.Context, db *gorm.DB, category string) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}

	query := db.WithContext(ctx).Model(&TaskRecord{}).
		Select("status, count(*) as count").
		Group("status")
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var rows []statusCount
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ListStalePendingTasks returns PENDING records created before the cutoff.
// These are submissions whose publish likely failed after the record write;
// the sweeper republishes them.
func ListStalePendingTasks(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]TaskRecord, error) {
	var records []TaskRecord
	if err := db.WithContext(ctx).
		Where("status = ? AND creation_time < ?", TaskPending, cutoff).
		Order("creation_time asc").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale pending tasks: %w", err)
	}
	return records, nil
}

// DeleteExpiredTasks removes records past the retention window. Reads of a
// deleted id report UNKNOWN from then on.
func DeleteExpiredTasks(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("creation_time < ?", cutoff).
		Delete(&TaskRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}
