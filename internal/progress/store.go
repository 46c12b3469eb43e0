package progress

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

// ErrLeaseNotHeld is returned by RenewLease when the caller does not own an
// active lease on the run.
var ErrLeaseNotHeld = errors.New("lease not held")

// Store is the durable, lockable record of workflow runs. The run document
// is the only shared mutable resource in the system; every mutator goes
// through the lease discipline so concurrent writers from parallel branches
// are serialized and no write is lost or partially visible.
type Store interface {
	// CreateRun persists a freshly initialized run.
	CreateRun(ctx context.Context, run *api.Run) error

	// GetRun loads a run by ID; api.ErrRunNotFound when absent.
	GetRun(ctx context.Context, id string) (*api.Run, error)

	// UpdateRun replaces the persisted document for run.ID.
	// Callers must hold the run's lease for the read-modify-write.
	UpdateRun(ctx context.Context, run *api.Run) error

	// ListRuns returns runs matching the filter.
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error)

	// TryAcquireLease attempts to acquire (or re-acquire) the exclusive
	// lease on a run document. If another owner holds an unexpired lease it
	// returns acquired=false, err=nil. A lease held by the same owner is
	// re-entrant.
	TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends a lease owned by 'owner' for the given ttl.
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by 'owner'. Idempotent.
	ReleaseLease(ctx context.Context, runID, owner string) error

	// AppendEvent records a run history event.
	AppendEvent(ctx context.Context, ev api.Event) error

	// ListEvents returns the history of a run in append order.
	ListEvents(ctx context.Context, runID string) ([]api.Event, error)
}
