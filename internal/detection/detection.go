package detection

import (
	"context"
	"encoding/json"
	"fmt"

	"recognize-backend/pkg/models"
)

// Handler runs one category's detection pass. Implementations are external
// collaborators (the OpenCV/YOLO sidecar in production); the contract is a
// pure function of its inputs so redelivery may safely invoke it twice.
type Handler interface {
	Handle(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, inputPath string, params models.DetectionParams) (json.RawMessage, error) {
	return f(ctx, inputPath, params)
}

// Registry is the explicit category to handler mapping, validated at
// startup before any task is consumed.
type Registry struct {
	handlers map[models.Category]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.Category]Handler)}
}

func (r *Registry) Register(category models.Category, handler Handler) {
	r.handlers[category] = handler
}

func (r *Registry) Handler(category models.Category) (Handler, error) {
	handler, ok := r.handlers[category]
	if !ok {
		return nil, fmt.Errorf("no detection handler registered for category %q", category)
	}
	return handler, nil
}

// Validate checks that every listed category has a handler. An empty list
// checks all known categories.
func (r *Registry) Validate(categories ...models.Category) error {
	if len(categories) == 0 {
		categories = models.Categories()
	}
	for _, category := range categories {
		if _, ok := r.handlers[category]; !ok {
			return fmt.Errorf("missing detection handler for category %q", category)
		}
	}
	return nil
}
