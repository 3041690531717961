package job

import "context"

// Definition is a typed task definition. T is the payload type and must
// be JSON-serializable.
type Definition[T any] struct {
	// Queue is the unique queue name for this task type.
	Queue string
	// Handler processes one payload.
	Handler func(ctx context.Context, payload T) error
	// Opts configures worker loops and escalation.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T any](queue string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Queue:   queue,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
