package storage

import (
	"context"
	"fmt"
	"sync"

	"prism-tasks/domain"
)

// Memory is a process-local TaskStorage guarded by a single RWMutex.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: map[string]domain.Task{}}
}

func (m *Memory) InsertTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	t = t.Clone()
	return &t, nil
}

// UpdateTask replaces the task only when the stored version still equals expectedVersion.
func (m *Memory) UpdateTask(ctx context.Context, t domain.Task, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &domain.ConflictError{ID: t.ID, Expected: expectedVersion, Current: cur.Version}
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	m.mu.RLock()
	all := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	m.mu.RUnlock()
	return q.Apply(all), nil
}
