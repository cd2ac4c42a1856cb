// Package model defines the entities persisted by loopd and the documents
// exchanged with the external decision engine.
//
// Entities (store-layer, auto-increment IDs):
//   - Loop: a reconciliation job
//   - Increment: one staged step of an incremental or continuous rollout
//   - Iteration: one observe-decide-execute cycle (append-only)
//   - Action: one executed operation within an iteration (append-only)
//   - Prompt: a human-input request raised mid-loop
//   - Host, Resource: declarative state owned by a loop
//   - RuleResult: audit record of a policy-rule evaluation
//
// Wire documents: Decision (a variant matched exhaustively through Kind),
// ActionSpec, ActionResult, StateOp and HistoryEntry.
package model
