package worker

import (
	"context"

	"crucible/internal/models"
)

// Executor runs tasks of one kind. Execute must honor ctx cancellation and
// return a reference (path or URI) to the produced artifacts on success.
type Executor interface {
	Kind() models.TaskKind
	Execute(ctx context.Context, task models.Task) (string, error)
}
