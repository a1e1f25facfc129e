package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"recognize-backend/internal/database"
	"recognize-backend/internal/messaging"
	"recognize-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidCategory = errors.New("invalid detection category")
	ErrMissingInputRef = errors.New("missing input reference")
)

// Gateway accepts detection jobs: it writes the PENDING record, publishes
// the task onto the category's queue and returns the id without waiting for
// any worker. The record write and the publish are not atomic; a publish
// failure leaves a PENDING record behind, which the sweeper republishes.
type Gateway struct {
	db        *gorm.DB
	publisher messaging.Publisher
}

func NewGateway(db *gorm.DB, publisher messaging.Publisher) *Gateway {
	return &Gateway{db: db, publisher: publisher}
}

func (g *Gateway) Submit(ctx context.Context, category models.Category, inputRef string, params models.DetectionParams) (uuid.UUID, error) {
	if _, err := messaging.QueueForCategory(category); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if strings.TrimSpace(inputRef) == "" {
		return uuid.Nil, ErrMissingInputRef
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal detection params: %w", err)
	}

	record := &database.TaskRecord{
		Id:       uuid.New(),
		Category: string(category),
		InputRef: inputRef,
		Params:   datatypes.JSON(paramsJSON),
	}

	if err := database.CreateTaskRecord(ctx, g.db, record); err != nil {
		return uuid.Nil, err
	}

	payload := messaging.DetectionTaskPayload{
		TaskId:   record.Id,
		Category: category,
		InputRef: inputRef,
		Params:   params,
	}

	if err := g.publisher.PublishDetectionTask(ctx, payload); err != nil {
		// The PENDING record stays behind as a known anomaly; it is picked
		// up by the sweeper rather than retried here.
		slog.Error("failed to publish detection task", "task_id", record.Id, "category", category, "error", err)
		return uuid.Nil, fmt.Errorf("failed to queue detection task: %w", err)
	}

	slog.Info("submitted detection task", "task_id", record.Id, "category", category, "input_ref", inputRef)
	return record.Id, nil
}
