package domain

import "context"

const (
	TaskCreated = "task-created"
	TaskUpdated = "task-updated"
	TaskDeleted = "task-deleted"

	taskEntityType = "task"
)

// Event describes a committed change to a task.
type Event struct {
	ID         string `json:"id"`
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Type       string `json:"type"`
	Version    int    `json:"version"`
	Task       *Task  `json:"task,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	UserID     string `json:"userId,omitempty"`
}

// Publisher fans task events out to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type actorKey struct{}

// WithActor records the authenticated user performing the request.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the user recorded by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}
