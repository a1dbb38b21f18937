package domain

import (
	"context"
	"errors"
	"sync"
)

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]Task
	listCalls int

	// beforeUpdate runs ahead of the version check, simulating a concurrent writer.
	beforeUpdate func(f *fakeStore)
	// onList runs after the page is computed.
	onList func()
}

func (f *fakeStore) InsertTask(ctx context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tasks == nil {
		f.tasks = map[string]Task{}
	}
	if _, ok := f.tasks[t.ID]; ok {
		return errors.New("duplicate id")
	}
	f.tasks[t.ID] = t.Clone()
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	t = t.Clone()
	return &t, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t Task, expectedVersion int) error {
	if f.beforeUpdate != nil {
		hook := f.beforeUpdate
		f.beforeUpdate = nil
		hook(f)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.tasks[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	f.tasks[t.ID] = t.Clone()
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, q ListQuery) (TaskPage, error) {
	f.mu.Lock()
	f.listCalls++
	all := make([]Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		all = append(all, t)
	}
	f.mu.Unlock()
	page := q.Apply(all)
	if f.onList != nil {
		f.onList()
	}
	return page, nil
}

// bump rewrites the stored version as another writer would.
func (f *fakeStore) bump(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Version++
	f.tasks[id] = t
}

type stubCache struct {
	mu       sync.Mutex
	pages    map[string]TaskPage
	sets     int
	clears   int
	clearErr error
	getErr   error
}

func (c *stubCache) Get(ctx context.Context, key string) (TaskPage, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return TaskPage{}, false, c.getErr
	}
	p, ok := c.pages[key]
	if !ok {
		return TaskPage{}, false, nil
	}
	return p.Clone(), true, nil
}

func (c *stubCache) Set(ctx context.Context, key string, page TaskPage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pages == nil {
		c.pages = map[string]TaskPage{}
	}
	c.pages[key] = page.Clone()
	c.sets++
	return nil
}

func (c *stubCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	if c.clearErr != nil {
		return c.clearErr
	}
	c.pages = nil
	return nil
}

func (c *stubCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}
