package progress

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "progress.db"))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

// storeFactories lets every conformance test run against each backend.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
	"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
}

func sampleRun(id string) *api.Run {
	now := time.Now().UTC()
	return &api.Run{
		ID:       id,
		Workflow: "test-wf",
		Status:   api.RunRunning,
		Variables: map[string]any{
			"target": "v1",
		},
		StepStatus: map[string]api.StepStatus{
			"build": api.StepPending,
			"test":  api.StepPending,
		},
		Outputs:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CreateGetUpdate(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := sampleRun("r1")
			if err := store.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			got, err := store.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if got.ID != "r1" || got.Workflow != "test-wf" {
				t.Fatalf("unexpected run: %+v", got)
			}
			if got.StepStatus["build"] != api.StepPending {
				t.Fatalf("expected build pending, got %s", got.StepStatus["build"])
			}
			if got.Variables["target"] != "v1" {
				t.Fatalf("expected target variable, got %v", got.Variables["target"])
			}

			got.Status = api.RunCompleted
			got.StepStatus["build"] = api.StepCompleted
			got.Outputs["build"] = "artifact at dist/app"
			if err := store.UpdateRun(ctx, got); err != nil {
				t.Fatalf("UpdateRun: %v", err)
			}

			again, err := store.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun after update: %v", err)
			}
			if again.Status != api.RunCompleted {
				t.Fatalf("expected COMPLETED, got %s", again.Status)
			}
			if again.Outputs["build"] != "artifact at dist/app" {
				t.Fatalf("output lost on update: %v", again.Outputs)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			_, err := store.GetRun(context.Background(), "nope")
			if !errors.Is(err, api.ErrRunNotFound) {
				t.Fatalf("expected ErrRunNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListRunsFilter(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			a := sampleRun("a")
			b := sampleRun("b")
			b.Status = api.RunFailed
			c := sampleRun("c")
			c.Workflow = "other-wf"
			for _, r := range []*api.Run{a, b, c} {
				if err := store.CreateRun(ctx, r); err != nil {
					t.Fatalf("CreateRun %s: %v", r.ID, err)
				}
			}

			all, err := store.ListRuns(ctx, api.RunFilter{})
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 runs, got %d", len(all))
			}

			failed, err := store.ListRuns(ctx, api.RunFilter{Status: api.RunFailed})
			if err != nil {
				t.Fatalf("ListRuns failed filter: %v", err)
			}
			if len(failed) != 1 || failed[0].ID != "b" {
				t.Fatalf("expected only b, got %v", failed)
			}

			other, err := store.ListRuns(ctx, api.RunFilter{Workflow: "other-wf"})
			if err != nil {
				t.Fatalf("ListRuns workflow filter: %v", err)
			}
			if len(other) != 1 || other[0].ID != "c" {
				t.Fatalf("expected only c, got %v", other)
			}
		})
	}
}

func TestStore_LeaseAcquireRenewRelease(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if err := store.CreateRun(ctx, sampleRun("r1")); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			acq, err := store.TryAcquireLease(ctx, "r1", "owner1", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease: %v", err)
			}
			if !acq {
				t.Fatalf("expected acquired")
			}

			acq2, err := store.TryAcquireLease(ctx, "r1", "owner2", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease owner2: %v", err)
			}
			if acq2 {
				t.Fatalf("expected not acquired while lease active")
			}

			// Same owner re-acquires without releasing first.
			again, err := store.TryAcquireLease(ctx, "r1", "owner1", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease re-entrant: %v", err)
			}
			if !again {
				t.Fatalf("expected re-entrant acquire for same owner")
			}

			if err := store.RenewLease(ctx, "r1", "owner1", 50*time.Millisecond); err != nil {
				t.Fatalf("RenewLease owner1: %v", err)
			}
			if err := store.RenewLease(ctx, "r1", "owner2", 50*time.Millisecond); !errors.Is(err, ErrLeaseNotHeld) {
				t.Fatalf("expected ErrLeaseNotHeld for owner2, got %v", err)
			}

			if err := store.ReleaseLease(ctx, "r1", "owner1"); err != nil {
				t.Fatalf("ReleaseLease: %v", err)
			}
			acq3, err := store.TryAcquireLease(ctx, "r1", "owner2", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease after release: %v", err)
			}
			if !acq3 {
				t.Fatalf("expected owner2 to acquire after release")
			}
		})
	}
}

func TestStore_LeaseExpiryIsClaimable(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if err := store.CreateRun(ctx, sampleRun("r1")); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			if _, err := store.TryAcquireLease(ctx, "r1", "dead-process", 10*time.Millisecond); err != nil {
				t.Fatalf("TryAcquireLease: %v", err)
			}
			time.Sleep(30 * time.Millisecond)

			acq, err := store.TryAcquireLease(ctx, "r1", "successor", 50*time.Millisecond)
			if err != nil {
				t.Fatalf("TryAcquireLease successor: %v", err)
			}
			if !acq {
				t.Fatalf("expected expired lease to be claimable")
			}
		})
	}
}

func TestStore_Events(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			if err := store.CreateRun(ctx, sampleRun("r1")); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			events := []api.Event{
				{RunID: "r1", At: time.Now(), Type: api.EventRunStarted, Level: api.LevelInfo},
				{RunID: "r1", At: time.Now(), Type: api.EventStepStarted, Level: api.LevelInfo, Step: "build"},
				{RunID: "r1", At: time.Now(), Type: api.EventStepFailed, Level: api.LevelError, Step: "build", Detail: "boom"},
			}
			for _, ev := range events {
				if err := store.AppendEvent(ctx, ev); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			got, err := store.ListEvents(ctx, "r1")
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 events, got %d", len(got))
			}
			if got[0].Type != api.EventRunStarted || got[2].Detail != "boom" {
				t.Fatalf("events out of order: %+v", got)
			}
		})
	}
}

// Concurrent Mutate calls through the tracker must serialize on the lease
// so no update is lost.
func TestStore_ConcurrentMutate(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			run := sampleRun("r1")
			run.Variables["count"] = float64(0)
			if err := store.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}

			tracker := NewTracker(store)
			const writers = 8
			done := make(chan error, writers)
			for i := 0; i < writers; i++ {
				go func() {
					_, err := tracker.Mutate(ctx, "r1", func(r *api.Run) error {
						n, _ := r.Variables["count"].(float64)
						r.Variables["count"] = n + 1
						return nil
					})
					done <- err
				}()
			}
			for i := 0; i < writers; i++ {
				if err := <-done; err != nil {
					t.Fatalf("Mutate: %v", err)
				}
			}

			got, err := store.GetRun(ctx, "r1")
			if err != nil {
				t.Fatalf("GetRun: %v", err)
			}
			if n, _ := got.Variables["count"].(float64); n != writers {
				t.Fatalf("lost updates: expected %d, got %v", writers, n)
			}
		})
	}
}
