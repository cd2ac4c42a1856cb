// Package engine drives reconcile loops.
//
// The engine is the heart of loopd - it takes loops from the store, runs
// observe/decide/execute iterations against external collaborators, and
// commits each iteration as an atomic checkpoint.
//
// ARCHITECTURE:
//
// Single-Worker Scheduler:
// One Scheduler drains loops strictly sequentially. A loop is driven to
// convergence, suspension or failure before the next one starts. This
// ensures:
// - At most one writer per loop
// - Gapless iteration numbering
// - Simple reasoning about resume points
//
// Iteration Flow (Runner):
// 1. OBSERVE: collect observed state, merge declarative state under "_state_file"
// 2. DECIDE: call the decision engine with state, rules, history and budget
// 3. Branch on Decision.Kind(): converged, ask, execute or noop
// 4. WRITE: store.RecordIteration commits iteration, actions and prompt together
// 5. After commit (not dry-run): apply state ops, logging failures
//
// Resume:
// History is rebuilt from committed rows and the next iteration number is
// the last committed one plus one. A restarted worker clears stale leases
// (store.ReclaimOrphans) before its first tick.
//
// CRITICAL PATTERNS:
//
// Checkpoint Before Advance:
// The in-memory iteration counter and history only advance after
// RecordIteration returns. A failed commit leaves the loop running and
// resumable from its last checkpoint.
//
// Cooperative Shutdown:
// Cancellation is checked between iterations and between loops only.
// In-flight iterations run on context.WithoutCancel so they always commit.
//
// Pause Is Final For A Tick:
// A suspended loop is paused and never finalized as failed; it returns to
// running only when every prompt on it is answered.
package engine
