// Package harness runs conformance scenarios against the loop engine.
//
// A scenario submits loops, scripts the decision engine's answers, drives
// the scheduler step by step and asserts on the resulting store state. The
// runner, scheduler and store are the production ones; only the
// collaborators are scripted (testutil.ScriptedEngine, StaticObserver,
// RecordingExecutor) and the clock is fake.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: ask_then_resume
//	description: "An ask suspends the loop until the prompt is answered"
//	loops:
//	  - desired_state: install nginx
//	    max_iterations: 5
//	observed: { nginx: absent }
//	executor:
//	  apt: { rc: 100, stderr: "lock held", failed: true }
//	decisions:
//	  - decision: { reasoning: "install", actions: [{ module: apt, host: web1 }] }
//	  - decision: { reasoning: "reboot?", ask: { question: "Reboot web1?" } }
//	  - fail: "engine unavailable"
//	steps:
//	  - tick: 1
//	  - respond: { loop: 1, response: "yes" }
//	  - restart: true
//	  - advance: 1m
//	assertions:
//	  - type: final_status
//	    loop: 1
//	    status: completed
//
// Decisions use the wire format accepted by decision engines and are
// validated with decision.Parse when the scenario loads.
//
// # Steps
//
//   - tick: run N scheduler ticks
//   - respond: answer the pending prompt of a loop
//   - restart: reopen the database and build a fresh scheduler, as a new
//     worker process would; its first tick reclaims orphaned loops
//   - advance: move the fake clock forward
//
// # Assertion Types
//
//   - final_status: the loop ends in status
//   - iteration_count: the loop has count committed iterations
//   - action_count: the loop has count stored actions
//   - failed_actions: count of the loop's actions stored as failed
//   - prompt_count: the loop has count prompts (optionally in status)
//   - history_contains: history entry iteration matches expect (subset)
//   - status_order: the loop passes through statuses in order
//   - engine_calls: the decision engine was called count times
//
// # Deterministic Testing
//
// The clock starts at testutil.Epoch and the worker identity is fixed, so
// traces are identical across runs and can be compared against golden files
// (see RunWithGolden).
//
// # Suites
//
// RunDir runs every scenario file in a directory, each against its own
// temporary database, and compares golden files when present. The loopd
// test command is a thin wrapper around it.
package harness
