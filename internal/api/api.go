package api

import (
	"errors"
	"net/http"

	"recognize-backend/internal/dispatch"
	"recognize-backend/internal/messaging"
	"recognize-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// BackendService wires the dispatch gateway, the status reader and the
// monitoring surface onto HTTP routes. It holds no state of its own and is
// safe to replicate.
type BackendService struct {
	db        *gorm.DB
	gateway   *dispatch.Gateway
	status    *dispatch.StatusReader
	inspector messaging.QueueInspector
}

func NewBackendService(db *gorm.DB, gateway *dispatch.Gateway, status *dispatch.StatusReader, inspector messaging.QueueInspector) *BackendService {
	return &BackendService{db: db, gateway: gateway, status: status, inspector: inspector}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))
	r.Route("/detect", func(r chi.Router) {
		r.Post("/face/image", RestHandler(s.submitHandler(models.FaceImage)))
		r.Post("/face/video", RestHandler(s.submitHandler(models.FaceVideo)))
		r.Post("/object/image", RestHandler(s.submitHandler(models.ObjectImage)))
		r.Post("/object/video", RestHandler(s.submitHandler(models.ObjectVideo)))
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/{task_id}", RestHandler(s.GetTaskStatus))
	})
	r.Route("/monitor", func(r chi.Router) {
		r.Get("/queues", RestHandler(s.MonitorQueues))
		r.Get("/tasks", RestHandler(s.MonitorTasks))
	})
}

func (s *BackendService) submitHandler(category models.Category) func(r *http.Request) (any, error) {
	return func(r *http.Request) (any, error) {
		req, err := ParseRequest[models.SubmitRequest](r)
		if err != nil {
			return nil, err
		}

		params := models.DetectionParams{
			FrameInterval: req.FrameInterval,
			Confidence:    req.Confidence,
		}

		taskId, err := s.gateway.Submit(r.Context(), category, req.InputRef, params)
		if err != nil {
			if errors.Is(err, dispatch.ErrMissingInputRef) {
				return nil, CodedErrorf(http.StatusUnprocessableEntity, "input_ref is required")
			}
			if errors.Is(err, dispatch.ErrInvalidCategory) {
				return nil, CodedErrorf(http.StatusBadRequest, "invalid detection category")
			}
			return nil, CodedErrorf(http.StatusServiceUnavailable, "failed to queue detection task")
		}

		return models.SubmitResponse{
			TaskId:  taskId,
			State:   models.StatePending,
			Message: "detection task queued, poll /tasks/{task_id} for status",
		}, nil
	}
}

func (s *BackendService) GetTaskStatus(r *http.Request) (any, error) {
	taskId, err := URLParamUUID(r, "task_id")
	if err != nil {
		return nil, err
	}

	status, err := s.status.Status(r.Context(), taskId)
	if err != nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "failed to read task status")
	}

	return status, nil
}

func (s *BackendService) MonitorQueues(r *http.Request) (any, error) {
	if s.inspector == nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "queue inspection is not available")
	}

	ctx := r.Context()

	var queues []models.QueueStatus
	for _, category := range models.Categories() {
		queue, err := messaging.QueueForCategory(category)
		if err != nil {
			return nil, CodedErrorf(http.StatusInternalServerError, "missing queue mapping for category %s", category)
		}

		stats, err := s.inspector.QueueStats(ctx, queue)
		if err != nil {
			return nil, CodedErrorf(http.StatusServiceUnavailable, "failed to inspect queue %s", queue)
		}

		queues = append(queues, models.QueueStatus{
			Category:  category,
			Queue:     queue,
			Depth:     stats.Depth,
			Consumers: stats.Consumers,
		})
	}

	return models.MonitorQueuesResponse{Queues: queues}, nil
}

func (s *BackendService) MonitorTasks(r *http.Request) (any, error) {
	req, err := ParseRequestQueryParams[models.MonitorTasksRequest](r)
	if err != nil {
		return nil, err
	}

	if req.Category != "" {
		if _, err := models.ParseCategory(req.Category); err != nil {
			return nil, CodedErrorf(http.StatusBadRequest, "invalid detection category %q", req.Category)
		}
	}

	counts, err := dispatch.CountTaskStates(r.Context(), s.db, req.Category)
	if err != nil {
		return nil, CodedErrorf(http.StatusServiceUnavailable, "failed to count tasks")
	}

	return models.MonitorTasksResponse{Category: req.Category, Counts: counts}, nil
}
