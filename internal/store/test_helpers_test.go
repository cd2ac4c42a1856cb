package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/loopd/internal/model"
	"github.com/roach88/loopd/internal/testutil"
)

const testOwner = "worker-1"

// createTestStore creates a new file-backed store with a fake clock.
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// createRunningLoop submits a single-mode loop and starts it.
func createRunningLoop(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.CreateLoop(ctx, NewLoop{DesiredState: "install nginx", MaxIterations: 3})
	if err != nil {
		t.Fatalf("CreateLoop() failed: %v", err)
	}
	if err := s.StartLoop(ctx, id, testOwner, time.Minute); err != nil {
		t.Fatalf("StartLoop() failed: %v", err)
	}
	return id
}

// noopIteration returns a record for iteration n with no actions.
func noopIteration(loopID int64, n int) IterationRecord {
	return IterationRecord{LoopID: loopID, N: n, Reasoning: "nothing to do"}
}

func okResult() model.ActionResult {
	return model.ActionResult{RC: testutil.IntPtr(0), Stdout: "ok", Changed: true}
}

func nanValue() float64 {
	zero := 0.0
	return zero / zero
}
