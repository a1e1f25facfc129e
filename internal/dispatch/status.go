package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"recognize-backend/internal/database"
	"recognize-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StatusReader serves task polls. It is a pure read over the result store:
// missing and expired records report UNKNOWN, terminal records report the
// stored result or error, and nothing ever mutates the record. Only
// infrastructure failures return a non-nil error.
type StatusReader struct {
	db        *gorm.DB
	retention time.Duration
}

func NewStatusReader(db *gorm.DB, retention time.Duration) *StatusReader {
	return &StatusReader{db: db, retention: retention}
}

func (s *StatusReader) Status(ctx context.Context, taskId uuid.UUID) (models.TaskStatusResponse, error) {
	record, err := database.GetTaskRecord(ctx, s.db, taskId)
	if err != nil {
		return models.TaskStatusResponse{}, err
	}

	if record == nil || s.expired(record.CreationTime) {
		return models.TaskStatusResponse{TaskId: taskId, State: models.StateUnknown}, nil
	}

	response := models.TaskStatusResponse{TaskId: taskId, State: models.TaskState(record.Status)}

	switch record.Status {
	case database.TaskPending:
		response.ProgressNote = "waiting for a worker"
	case database.TaskProcessing:
		if record.ProgressNote.Valid {
			response.ProgressNote = record.ProgressNote.String
		}
	case database.TaskSuccess:
		response.Result = json.RawMessage(record.Result)
	case database.TaskFailure:
		if record.Error.Valid {
			response.Error = record.Error.String
		}
	}

	return response, nil
}

func (s *StatusReader) expired(creationTime time.Time) bool {
	return s.retention > 0 && time.Since(creationTime) > s.retention
}

// CountTaskStates aggregates record counts per state, optionally filtered
// by category. Feeds the monitoring surface.
func CountTaskStates(ctx context.Context, db *gorm.DB, category string) (map[models.TaskState]int64, error) {
	counts, err := database.CountTasksByStatus(ctx, db, category)
	if err != nil {
		return nil, err
	}

	states := make(map[models.TaskState]int64, len(counts))
	for status, count := range counts {
		states[models.TaskState(status)] = count
	}
	return states, nil
}
