package api

import (
	"context"

	"prism-tasks/domain"
)

// Tasks is the task service the handlers delegate to.
type Tasks interface {
	Create(ctx context.Context, d domain.CreateDraft) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error)
	Update(ctx context.Context, id string, d domain.UpdateDraft) (domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// IdempotencyStore remembers which task a create request produced so a
// retried request can be answered without creating a duplicate.
type IdempotencyStore interface {
	// Reserve claims key for userID. When the key was already claimed it
	// returns fresh=false and the task id recorded by Commit, or "" while the
	// first request is still running.
	Reserve(ctx context.Context, userID, key string) (taskID string, fresh bool, err error)
	// Commit records the task created under key.
	Commit(ctx context.Context, userID, key, taskID string) error
	// Release drops a reservation whose request failed so it may be retried.
	Release(ctx context.Context, userID, key string) error
}
