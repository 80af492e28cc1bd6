package repo

import (
	"context"
	"sync"

	"modelfetch/internal/data"
)

// InMemoryTaskRepo is the default task table. List preserves insertion order,
// which the coordinator relies on for stable status listings.
type InMemoryTaskRepo struct {
	mu    sync.RWMutex
	tasks data.Tasks
}

func NewInMemoryTaskRepo() *InMemoryTaskRepo {
	return &InMemoryTaskRepo{tasks: make(data.Tasks, 0)}
}

func (r *InMemoryTaskRepo) List(ctx context.Context) (data.Tasks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tasks.Clone(), nil
}

func (r *InMemoryTaskRepo) Get(ctx context.Context, id string) (*data.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (r *InMemoryTaskRepo) Add(ctx context.Context, t *data.Task) (*data.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t.Clone())
	return t.Clone(), nil
}

func (r *InMemoryTaskRepo) Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.findByID(id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	*cur = *next
	return next.Clone(), nil
}

func (r *InMemoryTaskRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tasks {
		if t.ID == id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return nil
		}
	}
	return data.ErrNotFound
}

func (r *InMemoryTaskRepo) Ping(ctx context.Context) error { return nil }

func (r *InMemoryTaskRepo) findByID(id string) (*data.Task, error) {
	for _, t := range r.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, data.ErrNotFound
}
