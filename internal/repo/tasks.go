package repo

import (
	"context"

	"modelfetch/internal/data"
)

// TaskRepo is the coordinator's task table. The in-memory implementation is
// authoritative; the Postgres implementation additionally retains task
// history across restarts (in-flight progress is not durable).
type TaskRepo interface {
	TaskReader
	TaskWriter
}

type TaskReader interface {
	List(ctx context.Context) (data.Tasks, error)
	Get(ctx context.Context, id string) (*data.Task, error)
}

type TaskWriter interface {
	Add(ctx context.Context, t *data.Task) (*data.Task, error)
	// Update loads the task, applies mutate to a copy and writes it back.
	Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error)
	Delete(ctx context.Context, id string) error
}

// Pinger is implemented by repos with an external backend; used by readiness
// checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
