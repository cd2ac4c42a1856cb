// Package store provides SQLite-backed durable storage for loopd.
//
// The store holds seven entity relations plus rule-evaluation audit rows:
//   - Loops: reconciliation jobs and their lifecycle status
//   - Increments: staged desired-state slices of a loop
//   - Iterations and Actions: the append-only execution log
//   - Prompts: human-input requests raised mid-loop
//   - Hosts and Resources: declarative state owned by a loop
//
// # Critical Patterns
//
// Atomic checkpoint:
//   - RecordIteration writes an iteration with all of its actions, rule
//     results and prompt in one transaction
//   - Crash recovery resumes from the highest committed iteration number,
//     so no reader can observe a half-written iteration
//
// Gapless numbering:
//   - Iteration n must equal the loop's last committed n plus one
//   - UNIQUE(loop_id, n) backs the check inside the transaction
//
// Checked transitions:
//   - Status writes are UPDATE ... WHERE status = <expected>
//   - Zero affected rows is a ValidationError and nothing is mutated
//
// Leases:
//   - A running loop carries lease_owner/lease_expires_at while a worker
//     drives it; a running loop without a live lease is claimable
//
// # Database Configuration
//
//   - WAL mode: readers see the last commit and never wait on the writer
//   - One writer connection opened with _txlock=immediate
//   - A separate read-only pool for queries
//   - busy_timeout=5000, foreign_keys=ON on every connection
package store
