package engine

import (
	"context"
	"time"

	"github.com/roach88/loopd/internal/doc"
	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/store"
)

// DecisionEngine chooses the next step of a loop.
type DecisionEngine interface {
	Decide(ctx context.Context, req model.DecideRequest) (model.Decision, error)
}

// Observer gathers the observed state of the loop ec describes. probes are
// the extra observations requested by the previous decision, possibly empty.
type Observer interface {
	Observe(ctx context.Context, ec model.ExecContext, probes []any) (doc.Object, error)
}

// Executor dispatches actions against the loop ec describes and returns one
// result per action, in order. With dryRun set it must not change anything.
type Executor interface {
	Execute(ctx context.Context, ec model.ExecContext, actions []model.ActionSpec, dryRun bool) ([]model.ActionResult, error)
}

// StateManager is the declarative-state collaborator of one loop.
// *store.LoopState implements it.
type StateManager interface {
	AddResource(ctx context.Context, name string, data doc.Object) error
	AddHost(ctx context.Context, name string, attrs model.HostAttrs) error
	Remove(ctx context.Context, name string) error
	Resources(ctx context.Context) (map[string]doc.Object, error)
	Hosts(ctx context.Context) ([]string, error)
	GetHost(ctx context.Context, name string) (model.Host, error)
}

// Recorder commits iterations. *store.Store implements it.
type Recorder interface {
	RecordIteration(ctx context.Context, rec store.IterationRecord) (store.Checkpoint, error)
}

// WorkerIDGenerator generates the identity a worker writes as lease owner.
// Implemented by UUIDv7Generator (production) and testutil.FixedIDGenerator (tests).
type WorkerIDGenerator interface {
	Generate() string
}

// Clock reads wall time. Used for lease deadlines and continuous-mode
// wakeups; iteration ordering never depends on it.
type Clock interface {
	Now() time.Time
}
