package domain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TaskStorage persists tasks. Implementations must condition UpdateTask on
// the stored version so concurrent writers cannot both succeed.
type TaskStorage interface {
	InsertTask(ctx context.Context, t Task) error
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t Task, expectedVersion int) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, q ListQuery) (TaskPage, error)
}

// ListCache holds list pages keyed by ListQuery.CacheKey.
type ListCache interface {
	Get(ctx context.Context, key string) (TaskPage, bool, error)
	Set(ctx context.Context, key string, page TaskPage) error
	Clear(ctx context.Context) error
}

// TaskService applies validation, versioning and cache invalidation on top of
// a TaskStorage.
type TaskService struct {
	st    TaskStorage
	cache ListCache
	pub   Publisher
	now   func() time.Time
	newID func() string

	// gen is bumped on every mutation; List skips caching when it moved.
	gen atomic.Uint64
}

// Option configures a TaskService.
type Option func(*TaskService)

// WithCache enables list caching.
func WithCache(c ListCache) Option { return func(s *TaskService) { s.cache = c } }

// WithPublisher sends task events to p after each committed mutation.
func WithPublisher(p Publisher) Option { return func(s *TaskService) { s.pub = p } }

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(s *TaskService) { s.now = now } }

// WithIDs replaces the task id generator.
func WithIDs(newID func() string) Option { return func(s *TaskService) { s.newID = newID } }

func NewTaskService(st TaskStorage, opts ...Option) *TaskService {
	s := &TaskService{st: st, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the draft, assigns identity and version 0, and persists it.
func (s *TaskService) Create(ctx context.Context, d CreateDraft) (Task, error) {
	t, err := d.Build()
	if err != nil {
		return Task{}, err
	}
	now := s.stamp()
	t.ID = s.newID()
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.st.InsertTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	log.WithFields(log.Fields{"task": t.ID, "user": ActorFrom(ctx)}).Debug("task created")
	s.invalidate(ctx)
	s.publish(ctx, TaskCreated, t.ID, t.Version, &t)
	return t.Clone(), nil
}

// Get returns the task with id or ErrNotFound.
func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	t, err := s.st.GetTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if t == nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return *t, nil
}

// List returns one page of tasks, served from the cache when possible.
func (s *TaskService) List(ctx context.Context, q ListQuery) (TaskPage, error) {
	q = q.Normalize()
	if err := q.Check(); err != nil {
		return TaskPage{}, err
	}
	key := q.CacheKey()
	if s.cache != nil {
		page, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("list cache read failed")
		} else if ok {
			return page, nil
		}
	}

	gen := s.gen.Load()
	page, err := s.st.ListTasks(ctx, q)
	if err != nil {
		return TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	if page.Items == nil {
		page.Items = []Task{}
	}
	if s.cache != nil && s.gen.Load() == gen {
		if err := s.cache.Set(ctx, key, page); err != nil {
			log.WithError(err).WithField("key", key).Warn("list cache write failed")
		} else if s.gen.Load() != gen {
			// A mutation landed while the page was being stored.
			s.clearCache(ctx)
		}
	}
	return page, nil
}

// Update applies the draft if its version matches the stored one.
func (s *TaskService) Update(ctx context.Context, id string, d UpdateDraft) (Task, error) {
	if err := d.Check(); err != nil {
		return Task{}, err
	}
	cur, err := s.st.GetTask(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if cur == nil {
		return Task{}, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	expected := *d.Version
	if cur.Version != expected {
		return Task{}, &ConflictError{ID: id, Expected: expected, Current: cur.Version}
	}

	next := d.Apply(*cur)
	next.Version = cur.Version + 1
	next.UpdatedAt = s.stamp()
	if err := s.st.UpdateTask(ctx, next, cur.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Task{}, s.lostRace(ctx, id, expected)
		}
		return Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	log.WithFields(log.Fields{"task": id, "version": next.Version, "user": ActorFrom(ctx)}).Debug("task updated")
	s.invalidate(ctx)
	s.publish(ctx, TaskUpdated, id, next.Version, &next)
	return next.Clone(), nil
}

// Delete removes the task or returns ErrNotFound. The task-deleted event
// carries the version after the last stored one.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	cur, err := s.st.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task %s: %w", id, err)
	}
	if cur == nil {
		return fmt.Errorf("delete task %s: %w", id, ErrNotFound)
	}
	if err := s.st.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	log.WithFields(log.Fields{"task": id, "user": ActorFrom(ctx)}).Debug("task deleted")
	s.invalidate(ctx)
	s.publish(ctx, TaskDeleted, id, cur.Version+1, nil)
	return nil
}

// lostRace builds the error for a write rejected by the storage version check.
func (s *TaskService) lostRace(ctx context.Context, id string, expected int) error {
	latest, err := s.st.GetTask(ctx, id)
	switch {
	case err != nil:
		log.WithError(err).WithField("task", id).Warn("reload after version conflict failed")
		return &ConflictError{ID: id, Expected: expected, Current: expected + 1}
	case latest == nil:
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	return &ConflictError{ID: id, Expected: expected, Current: latest.Version}
}

func (s *TaskService) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *TaskService) invalidate(ctx context.Context) {
	s.gen.Add(1)
	s.clearCache(ctx)
}

func (s *TaskService) clearCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Clear(ctx); err != nil {
		log.WithError(err).Error("list cache invalidation failed")
	}
}

func (s *TaskService) publish(ctx context.Context, typ, id string, version int, t *Task) {
	if s.pub == nil {
		return
	}
	ev := Event{
		ID:         s.newID(),
		EntityID:   id,
		EntityType: taskEntityType,
		Type:       typ,
		Version:    version,
		Timestamp:  nextTimestamp(),
		UserID:     ActorFrom(ctx),
	}
	if t != nil {
		snap := t.Clone()
		ev.Task = &snap
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.WithError(err).WithFields(log.Fields{"task": id, "type": typ}).Warn("publish task event")
	}
}
